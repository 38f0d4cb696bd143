// Package cache provides a TTL key/value cache with memory and Redis backends.
package cache

import (
	"sync"
	"time"
)

// Store is a thread-safe cache with per-entry expiration.
type Store interface {
	// Get returns the cached value, or false if absent or expired.
	Get(key string) (any, bool)
	// Set stores value under key for the given TTL.
	Set(key string, value any, ttl time.Duration)
	// Delete removes key.
	Delete(key string)
	// Flush removes all entries.
	Flush()
	// Stats reports hit/miss counters.
	Stats() Stats
}

// Stats holds cache performance counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Size      int
}

type entry struct {
	value     any
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Memory is the in-process Store implementation.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	stats   Stats
	stop    chan struct{}
}

// NewMemory creates an in-memory cache. If sweepInterval > 0 a background
// janitor removes expired entries at that cadence; call Close to stop it.
func NewMemory(sweepInterval time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.janitor(sweepInterval)
	}
	return m
}

func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.expired(time.Now()) {
		m.stats.Misses++
		return nil, false
	}
	m.stats.Hits++
	return e.value, true
}

func (m *Memory) Set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &entry{value: value, expiresAt: time.Now().Add(ttl)}
	m.stats.Sets++
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Memory) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.stats
	st.Size = len(m.entries)
	return st
}

// Close stops the janitor goroutine.
func (m *Memory) Close() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *Memory) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, k)
			m.stats.Evictions++
		}
	}
}

var _ Store = (*Memory)(nil)
