// Package lock implements exclusive per-device leases with session
// identity, heartbeat renewal and automatic release on expiry.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/metrics"
)

// ErrorType is the contention/transport taxonomy exposed to callers.
type ErrorType string

const (
	ErrDeviceLocked   ErrorType = "device_locked"
	ErrDeviceNotFound ErrorType = "device_not_found"
	ErrStreamService  ErrorType = "stream_service_error"
	ErrADBConnection  ErrorType = "adb_connection_error"
	ErrNetwork        ErrorType = "network_error"
	ErrLeaseExpired   ErrorType = "lease_expired"
)

// ControlError is the structured failure returned by lease operations.
// LockedBy carries the holder's user id on device_locked; session ids of
// other users are never exposed.
type ControlError struct {
	Type     ErrorType `json:"error_type"`
	Message  string    `json:"error"`
	LockedBy string    `json:"locked_by,omitempty"`
}

func (e *ControlError) Error() string { return string(e.Type) + ": " + e.Message }

// Lease is an exclusive, session-identified claim on one device.
type Lease struct {
	HostName      string    `json:"host_name"`
	DeviceID      string    `json:"device_id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	TreeID        string    `json:"tree_id,omitempty"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (l Lease) expired(now time.Time) bool { return now.After(l.ExpiresAt) }

// Directory answers whether a device exists on a host.
type Directory interface {
	Exists(hostName, deviceID string) bool
}

// Binder attaches downstream stream and input services to a session when a
// lease is granted, and detaches them on release. Bind failures abort the
// takeControl with their mapped error type.
type Binder interface {
	Bind(ctx context.Context, lease Lease) error
	Unbind(ctx context.Context, lease Lease)
}

// NopBinder is used where no downstream services exist (tests, CLI).
type NopBinder struct{}

func (NopBinder) Bind(context.Context, Lease) error { return nil }
func (NopBinder) Unbind(context.Context, Lease)     {}

// Options tunes the manager.
type Options struct {
	Heartbeat       time.Duration
	GraceMultiplier int // expiry window = Heartbeat * GraceMultiplier
	ExpiryCheck     time.Duration
}

// Manager coordinates leases over a Store. Transitions for one device are
// linearizable: each (host, device) key serializes on its own mutex.
type Manager struct {
	store     Store
	dir       Directory
	binder    Binder
	heartbeat time.Duration
	grace     time.Duration
	check     time.Duration

	mu   sync.Mutex
	keys map[string]*sync.Mutex

	onRelease []func(Lease)
}

// NewManager builds a lease manager.
func NewManager(store Store, dir Directory, binder Binder, opts Options) *Manager {
	if binder == nil {
		binder = NopBinder{}
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.GraceMultiplier < 1 {
		opts.GraceMultiplier = 3
	}
	if opts.ExpiryCheck <= 0 {
		opts.ExpiryCheck = 5 * time.Second
	}
	return &Manager{
		store:     store,
		dir:       dir,
		binder:    binder,
		heartbeat: opts.Heartbeat,
		grace:     opts.Heartbeat * time.Duration(opts.GraceMultiplier),
		check:     opts.ExpiryCheck,
		keys:      make(map[string]*sync.Mutex),
	}
}

// OnRelease registers a hook fired after any lease release (explicit,
// expiry or shutdown). Used to cancel in-flight operations of the session.
func (m *Manager) OnRelease(fn func(Lease)) {
	m.onRelease = append(m.onRelease, fn)
}

func (m *Manager) keyLock(host, device string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := host + "/" + device
	l, ok := m.keys[k]
	if !ok {
		l = &sync.Mutex{}
		m.keys[k] = l
	}
	return l
}

// TakeControl acquires an exclusive lease. A locked device fails fast with
// device_locked and the current holder's user id. Re-taking with the same
// session id renews the existing lease.
func (m *Manager) TakeControl(ctx context.Context, host, device, session, user, treeID string) (Lease, error) {
	l := m.keyLock(host, device)
	l.Lock()
	defer l.Unlock()

	if m.dir != nil && !m.dir.Exists(host, device) {
		metrics.LeaseAcquireTotal.WithLabelValues("device_not_found").Inc()
		return Lease{}, &ControlError{
			Type:    ErrDeviceNotFound,
			Message: fmt.Sprintf("device %s/%s not found", host, device),
		}
	}

	now := time.Now()
	existing, ok, err := m.store.Get(ctx, host, device)
	if err != nil {
		return Lease{}, fmt.Errorf("lease lookup: %w", err)
	}
	if ok && !existing.expired(now) {
		if existing.SessionID == session {
			existing.LastHeartbeat = now
			existing.ExpiresAt = now.Add(m.grace)
			if err := m.store.Put(ctx, existing); err != nil {
				return Lease{}, fmt.Errorf("lease renew: %w", err)
			}
			metrics.LeaseAcquireTotal.WithLabelValues("renewed").Inc()
			return existing, nil
		}
		metrics.LeaseAcquireTotal.WithLabelValues("device_locked").Inc()
		return Lease{}, &ControlError{
			Type:     ErrDeviceLocked,
			Message:  fmt.Sprintf("device %s/%s is controlled by another user", host, device),
			LockedBy: existing.UserID,
		}
	}

	lease := Lease{
		HostName:      host,
		DeviceID:      device,
		SessionID:     session,
		UserID:        user,
		TreeID:        treeID,
		AcquiredAt:    now,
		LastHeartbeat: now,
		ExpiresAt:     now.Add(m.grace),
	}
	if err := m.binder.Bind(ctx, lease); err != nil {
		metrics.LeaseAcquireTotal.WithLabelValues("bind_failed").Inc()
		if cerr, ok := err.(*ControlError); ok {
			return Lease{}, cerr
		}
		return Lease{}, &ControlError{Type: ErrStreamService, Message: err.Error()}
	}
	if err := m.store.Put(ctx, lease); err != nil {
		m.binder.Unbind(ctx, lease)
		return Lease{}, fmt.Errorf("lease store: %w", err)
	}

	metrics.LeaseAcquireTotal.WithLabelValues("ok").Inc()
	metrics.ActiveLeases.Inc()
	logger := log.WithComponentFromContext(ctx, "lock")
	logger.Info().
		Str(log.FieldHost, host).
		Str(log.FieldDeviceID, device).
		Str(log.FieldUserID, user).
		Msg("lease acquired")
	return lease, nil
}

// ReleaseControl releases a lease. Idempotent: succeeds when the caller
// owns the lease or when the lease is already absent.
func (m *Manager) ReleaseControl(ctx context.Context, host, device, session string) error {
	l := m.keyLock(host, device)
	l.Lock()
	defer l.Unlock()

	existing, ok, err := m.store.Get(ctx, host, device)
	if err != nil {
		return fmt.Errorf("lease lookup: %w", err)
	}
	if !ok {
		metrics.LeaseReleaseTotal.WithLabelValues("absent").Inc()
		return nil
	}
	if existing.SessionID != session {
		metrics.LeaseReleaseTotal.WithLabelValues("not_owner").Inc()
		return &ControlError{
			Type:     ErrDeviceLocked,
			Message:  fmt.Sprintf("device %s/%s is controlled by another user", host, device),
			LockedBy: existing.UserID,
		}
	}
	if err := m.release(ctx, existing); err != nil {
		return err
	}
	metrics.LeaseReleaseTotal.WithLabelValues("ok").Inc()
	return nil
}

// Heartbeat renews the expiry window of an active lease.
func (m *Manager) Heartbeat(ctx context.Context, host, device, session string) error {
	l := m.keyLock(host, device)
	l.Lock()
	defer l.Unlock()

	existing, ok, err := m.store.Get(ctx, host, device)
	if err != nil {
		return fmt.Errorf("lease lookup: %w", err)
	}
	if !ok || existing.SessionID != session || existing.expired(time.Now()) {
		return &ControlError{Type: ErrLeaseExpired, Message: "no active lease for session"}
	}
	now := time.Now()
	existing.LastHeartbeat = now
	existing.ExpiresAt = now.Add(m.grace)
	return m.store.Put(ctx, existing)
}

// CheckOwner verifies that session currently holds the device lease. The
// host proxy calls this before dispatching any RPC.
func (m *Manager) CheckOwner(ctx context.Context, host, device, session string) error {
	existing, ok, err := m.store.Get(ctx, host, device)
	if err != nil {
		return fmt.Errorf("lease lookup: %w", err)
	}
	if !ok || existing.expired(time.Now()) {
		return &ControlError{Type: ErrLeaseExpired, Message: "no active lease for device"}
	}
	if existing.SessionID != session {
		return &ControlError{
			Type:     ErrDeviceLocked,
			Message:  "device is controlled by another user",
			LockedBy: existing.UserID,
		}
	}
	return nil
}

// Get returns the active lease for a device, if any.
func (m *Manager) Get(ctx context.Context, host, device string) (Lease, bool, error) {
	lease, ok, err := m.store.Get(ctx, host, device)
	if err != nil || !ok {
		return Lease{}, false, err
	}
	if lease.expired(time.Now()) {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

func (m *Manager) release(ctx context.Context, lease Lease) error {
	if err := m.store.Delete(ctx, lease.HostName, lease.DeviceID); err != nil {
		return fmt.Errorf("lease delete: %w", err)
	}
	m.binder.Unbind(ctx, lease)
	metrics.ActiveLeases.Dec()
	for _, fn := range m.onRelease {
		fn(lease)
	}
	logger := log.WithComponentFromContext(ctx, "lock")
	logger.Info().
		Str(log.FieldHost, lease.HostName).
		Str(log.FieldDeviceID, lease.DeviceID).
		Str(log.FieldUserID, lease.UserID).
		Msg("lease released")
	return nil
}

// Run sweeps for expired leases until ctx is cancelled, then releases all
// remaining leases (server shutdown auto-release).
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.check)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.ReleaseAll(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	logger := log.WithComponent("lock")
	leases, err := m.store.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("lease sweep failed")
		return
	}
	now := time.Now()
	for _, lease := range leases {
		if !lease.expired(now) {
			continue
		}
		l := m.keyLock(lease.HostName, lease.DeviceID)
		l.Lock()
		current, ok, err := m.store.Get(ctx, lease.HostName, lease.DeviceID)
		if err == nil && ok && current.SessionID == lease.SessionID && current.expired(now) {
			if err := m.release(ctx, current); err == nil {
				metrics.LeaseExpiredTotal.Inc()
				logger.Warn().
					Str(log.FieldHost, lease.HostName).
					Str(log.FieldDeviceID, lease.DeviceID).
					Time("last_heartbeat", lease.LastHeartbeat).
					Msg("lease expired without heartbeat")
			}
		}
		l.Unlock()
	}
}

// ReleaseAll force-releases every lease. Called on server shutdown.
func (m *Manager) ReleaseAll(ctx context.Context) {
	logger := log.WithComponent("lock")
	leases, err := m.store.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("release-all listing failed")
		return
	}
	for _, lease := range leases {
		l := m.keyLock(lease.HostName, lease.DeviceID)
		l.Lock()
		_ = m.release(ctx, lease)
		l.Unlock()
	}
}
