// Package peerbook persists the addresses of peers this node has dialed so
// they can be redialed on the next start. Addresses only; message history is
// deliberately never written to disk.
package peerbook

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bAddrs = "peer_addrs"

	defaultTO = 2 * time.Second
)

// Book is a BoltDB-backed set of known peer addresses.
type Book struct {
	db *bolt.DB
}

// Open opens (or creates) the book at path.
func Open(path string) (*Book, error) {
	if path == "" {
		return nil, errors.New("empty book path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	b := &Book{db: db}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bAddrs))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Book) Close() error { return b.db.Close() }

// Remember records addr with the current time. Re-remembering refreshes the
// timestamp.
func (b *Book) Remember(addr string) error {
	if addr == "" {
		return errors.New("empty peer address")
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(time.Now().Unix()))
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bAddrs)).Put([]byte(addr), val)
	})
}

// Forget drops addr from the book.
func (b *Book) Forget(addr string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bAddrs)).Delete([]byte(addr))
	})
}

// All returns every remembered address in key order.
func (b *Book) All() ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bAddrs)).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
