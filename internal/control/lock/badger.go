package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

const leasePrefix = "lease/"

// BadgerStore persists leases in a local Badger database so they survive
// orchestrator restarts. Holders whose heartbeats continued during the
// restart keep their devices.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the lease database at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open lease store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(_ context.Context, host, device string) (Lease, bool, error) {
	var lease Lease
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(leasePrefix + leaseKey(host, device)))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &lease)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return lease, true, nil
}

func (s *BadgerStore) Put(_ context.Context, lease Lease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(leasePrefix+leaseKey(lease.HostName, lease.DeviceID)), raw)
	})
}

func (s *BadgerStore) Delete(_ context.Context, host, device string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(leasePrefix + leaseKey(host, device)))
	})
}

func (s *BadgerStore) List(_ context.Context) ([]Lease, error) {
	var out []Lease
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(leasePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var lease Lease
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &lease)
			}); err != nil {
				return err
			}
			out = append(out, lease)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Close() error { return s.db.Close() }

var _ Store = (*BadgerStore)(nil)
