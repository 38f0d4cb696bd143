package capture

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/metrics"
)

// Monitor watches one device's capture folder and feeds new keyframes
// into a bounded queue in strictly increasing sequence order. It is the
// queue's only writer; the frame analyzer is its only reader.
type Monitor struct {
	host        string
	deviceID    string
	dir         string
	rescanEvery time.Duration

	frames  chan Frame
	lastSeq int64
}

// NewMonitor builds a monitor for the device folder <root>/<host>/<device>.
func NewMonitor(root, host, deviceID string, queueSize int, rescanEvery time.Duration) *Monitor {
	if queueSize <= 0 {
		queueSize = 64
	}
	if rescanEvery <= 0 {
		rescanEvery = 2 * time.Second
	}
	return &Monitor{
		host:        host,
		deviceID:    deviceID,
		dir:         filepath.Join(root, host, deviceID),
		rescanEvery: rescanEvery,
		frames:      make(chan Frame, queueSize),
		lastSeq:     -1,
	}
}

// Frames is the bounded frame queue consumed by the analyzer.
func (m *Monitor) Frames() <-chan Frame { return m.frames }

// Depth reports the current queue backlog; the analyzer's adaptive
// sampling keys off this value.
func (m *Monitor) Depth() int { return len(m.frames) }

// Dir returns the watched capture folder.
func (m *Monitor) Dir() string { return m.dir }

// Run watches until ctx is cancelled. fsnotify provides low latency; a
// periodic rescan catches events lost during folder rotation.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.frames)

	logger := log.WithComponent("capture").With().
		Str(log.FieldHost, m.host).
		Str(log.FieldDeviceID, m.deviceID).
		Logger()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(m.dir); err != nil {
		return err
	}

	ticker := time.NewTicker(m.rescanEvery)
	defer ticker.Stop()

	if err := m.scan(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := ParseFrameSequence(ev.Name); !ok {
				continue
			}
			if err := m.scan(ctx); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("capture watcher error")
		case <-ticker.C:
			if err := m.scan(ctx); err != nil {
				return err
			}
		}
	}
}

// scan enqueues every keyframe newer than the last one seen, in order.
// Enqueueing blocks when the queue is full: frames are never dropped
// silently, backpressure is resolved by the analyzer's load shedding.
func (m *Monitor) scan(ctx context.Context) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var fresh []Frame
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := ParseFrameSequence(e.Name())
		if !ok || seq <= m.lastSeq {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fresh = append(fresh, Frame{
			Host:      m.host,
			DeviceID:  m.deviceID,
			Sequence:  seq,
			Timestamp: info.ModTime(),
			Path:      filepath.Join(m.dir, e.Name()),
		})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Sequence < fresh[j].Sequence })

	for _, f := range fresh {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m.frames <- f:
			m.lastSeq = f.Sequence
			metrics.AnalyzerQueueDepth.WithLabelValues(m.deviceID).Set(float64(len(m.frames)))
		}
	}
	return nil
}
