package lock

import (
	"context"
	"sync"

	"github.com/angelstreet/virtualpytest/internal/config"
)

// Store persists leases keyed by (host, device).
type Store interface {
	Get(ctx context.Context, host, device string) (Lease, bool, error)
	Put(ctx context.Context, lease Lease) error
	Delete(ctx context.Context, host, device string) error
	List(ctx context.Context) ([]Lease, error)
	Close() error
}

// MemoryStore is the in-process Store used in tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	leases map[string]Lease
}

// NewMemoryStore builds an empty in-memory lease store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leases: make(map[string]Lease)}
}

func leaseKey(host, device string) string { return host + "/" + device }

func (s *MemoryStore) Get(_ context.Context, host, device string) (Lease, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.leases[leaseKey(host, device)]
	return l, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, lease Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[leaseKey(lease.HostName, lease.DeviceID)] = lease
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, host, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, leaseKey(host, device))
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

// ConfigDirectory answers device existence from the static host inventory.
type ConfigDirectory struct {
	devices map[string]bool
}

// NewConfigDirectory indexes the configured hosts.
func NewConfigDirectory(hosts []config.HostConfig) *ConfigDirectory {
	d := &ConfigDirectory{devices: make(map[string]bool)}
	for _, h := range hosts {
		for _, dev := range h.Devices {
			d.devices[leaseKey(h.Name, dev)] = true
		}
	}
	return d
}

// Exists implements Directory.
func (d *ConfigDirectory) Exists(host, device string) bool {
	return d.devices[leaseKey(host, device)]
}
