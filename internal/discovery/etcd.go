// Package discovery is an opt-in etcd bootstrap registry: each node
// registers its listen address under a lease, and a starting node lists the
// others to seed its initial dials. Nothing here touches the mesh wire.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/meshline/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode publishes id -> addr under a lease of ttl seconds and keeps
// the lease alive in the background. The returned cancel stops the
// keep-alive; callers should also revoke the lease on shutdown.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, nil, err
	}
	key := keyPrefix + id
	if _, err := cli.Put(context.TODO(), key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// ListPeers returns the currently registered nodes, excluding selfID.
func ListPeers(cli *clientv3.Client, selfID string) (map[string]string, error) {
	resp, err := cli.Get(context.TODO(), keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), keyPrefix)
		if id == selfID {
			continue
		}
		peers[id] = string(kv.Value)
	}
	return peers, nil
}

// Unregister revokes the node's lease, removing its key immediately.
func Unregister(cli *clientv3.Client, lease clientv3.LeaseID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}
