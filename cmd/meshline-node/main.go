package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"meshline/internal/bridge"
	"meshline/internal/discovery"
	"meshline/internal/mesh"
	"meshline/internal/netx"
	"meshline/internal/peerbook"
	"meshline/internal/proto"
	"meshline/internal/ring"
	"meshline/internal/telemetry"
)

func main() {
	port := flag.Int("port", 5000, "TCP port to listen on")
	nodeID := flag.String("id", "", "node id (default: node-<random>)")
	connectStr := flag.String("connect", "", "comma-separated peer addresses host:port")
	httpAddr := flag.String("http", "", "bridge HTTP listen address (e.g. :8080), empty disables")
	dataDir := flag.String("data", "", "data directory for the peer book, empty disables")
	etcdStr := flag.String("etcd", "", "comma-separated etcd endpoints for the bootstrap registry, empty disables")
	ringCap := flag.Int("history", 256, "message history capacity")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	logger, err := telemetry.NewLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	id := *nodeID
	if id == "" {
		id = "node-" + proto.NewMsgID()[:8]
	}

	n, err := mesh.NewNode(mesh.Config{
		NodeID:   id,
		Network:  netx.NewTCPNetwork(),
		BindAddr: fmt.Sprintf(":%d", *port),
		Logger:   logger,
	})
	if err != nil {
		logger.Fatalw("create node", "err", err)
	}

	n.OnMessage(func(line string) {
		printIncoming(line)
	})

	if err := n.Start(); err != nil {
		logger.Fatalw("start node", "err", err)
	}
	defer n.Stop()

	fmt.Printf("Node started.\n")
	fmt.Printf("ID:   %s\n", n.NodeID())
	fmt.Printf("Addr: %s\n\n", n.ListenAddr())

	buf := ring.New(*ringCap)
	br := bridge.New(n, buf, logger)
	if *httpAddr != "" {
		br.StartServer(*httpAddr)
		defer br.Close()
	}

	var book *peerbook.Book
	if *dataDir != "" {
		book, err = peerbook.Open(filepath.Join(*dataDir, "peers.db"))
		if err != nil {
			logger.Warnw("open peer book", "err", err)
		} else {
			defer book.Close()
		}
	}

	dial := func(addr string) {
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			logger.Warnw("bad peer address", "addr", addr, "err", err)
			return
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			logger.Warnw("bad peer port", "addr", addr, "err", err)
			return
		}
		if err := n.ConnectToPeer(host, p); err != nil {
			return
		}
		if book != nil {
			if err := book.Remember(addr); err != nil {
				logger.Warnw("remember peer", "addr", addr, "err", err)
			}
		}
	}

	for _, part := range strings.Split(*connectStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			dial(part)
		}
	}

	if book != nil {
		if addrs, err := book.All(); err == nil {
			for _, addr := range addrs {
				dial(addr)
			}
		}
	}

	if *etcdStr != "" {
		cli, err := discovery.NewClient(strings.Split(*etcdStr, ","))
		if err != nil {
			logger.Warnw("etcd client", "err", err)
		} else {
			defer cli.Close()
			if peers, err := discovery.ListPeers(cli, id); err != nil {
				logger.Warnw("list registered peers", "err", err)
			} else {
				for _, addr := range peers {
					dial(addr)
				}
			}
			lease, cancel, err := discovery.RegisterNode(cli, id, string(n.ListenAddr()), 10)
			if err != nil {
				logger.Warnw("register node", "err", err)
			} else {
				defer func() {
					cancel()
					_ = discovery.Unregister(cli, lease)
				}()
			}
		}
	}

	// Peer lifecycle printer.
	go func() {
		for e := range n.Events() {
			switch e.Type {
			case mesh.EventPeerConnected:
				fmt.Printf("[peer] connected %s\n", e.PeerAddr)
			case mesh.EventPeerDisconnected:
				fmt.Printf("[peer] disconnected %s\n", e.PeerAddr)
			}
		}
	}()

	fmt.Println("Type a message and press enter to send it to the mesh.")
	fmt.Println("Commands: /peers, /history <since_ms>, /quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			fmt.Println("quitting...")
			return

		case line == "/peers":
			fmt.Printf("peers: %d\n", n.PeerCount())

		case strings.HasPrefix(line, "/history"):
			arg := strings.TrimSpace(strings.TrimPrefix(line, "/history"))
			var since int64
			if arg != "" {
				v, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					fmt.Println("usage: /history <since_ms>")
					continue
				}
				since = v
			}
			fmt.Println(br.HandleRecv(since))

		default:
			m := proto.WireMsg{
				MsgID:   proto.NewMsgID(),
				Type:    proto.TypeChat,
				Sender:  id,
				TTL:     proto.DefaultTTL,
				Content: line,
			}
			// The bridge stamps the timestamp, stores the frame and floods it.
			br.HandleSend(m.Encode())
			fmt.Printf("sent: %s\n", line)
		}
	}
}

func printIncoming(line string) {
	if m, kind, _ := proto.DecodeLine(line); kind == proto.FrameWire {
		if m.Type == proto.TypePing {
			return
		}
		fmt.Printf("[%s] %s: %s\n", m.Type, m.Sender, m.Content)
		return
	}
	fmt.Printf("[raw] %s\n", line)
}
