package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/media"
)

// ErrNoCaptures is returned when a device folder holds no matching files.
var ErrNoCaptures = errors.New("no captures available")

// Merger concatenates HLS segments; implemented by media.FFmpeg.
type Merger interface {
	ConcatCopy(ctx context.Context, segments []string, outPath string) error
}

var _ Merger = (*media.FFmpeg)(nil)

// Service answers capture-folder queries for all devices under one root.
type Service struct {
	root       string
	scratchDir string
	baseURL    string // advertised URL prefix for capture artifacts
	merger     Merger
}

// NewService builds the capture query service.
func NewService(root, scratchDir, baseURL string, merger Merger) *Service {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Service{
		root:       root,
		scratchDir: scratchDir,
		baseURL:    strings.TrimRight(baseURL, "/"),
		merger:     merger,
	}
}

// DeviceDir returns the capture folder of one device.
func (s *Service) DeviceDir(host, deviceID string) string {
	return filepath.Join(s.root, host, deviceID)
}

// URLFor maps a capture file path to its externally served URL.
func (s *Service) URLFor(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return s.baseURL + "/captures/" + filepath.ToSlash(rel)
}

// LatestJSONInfo describes the most recent completed analysis sidecar.
type LatestJSONInfo struct {
	Path      string
	URL       string
	Sequence  int64
	Timestamp time.Time
}

// LatestJSON finds the highest-sequence sidecar in the device folder.
func (s *Service) LatestJSON(host, deviceID string) (LatestJSONInfo, error) {
	dir := s.DeviceDir(host, deviceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return LatestJSONInfo{}, fmt.Errorf("read capture dir: %w", err)
	}

	best := LatestJSONInfo{Sequence: -1}
	for _, e := range entries {
		seq, ok := ParseSidecarSequence(e.Name())
		if !ok || seq <= best.Sequence {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		best = LatestJSONInfo{
			Path:      filepath.Join(dir, e.Name()),
			Sequence:  seq,
			Timestamp: info.ModTime(),
		}
	}
	if best.Sequence < 0 {
		return LatestJSONInfo{}, ErrNoCaptures
	}
	best.URL = s.URLFor(best.Path)
	return best, nil
}

// Segments is the result of RecentSegments. When Merged is set, Path is a
// temporary file the caller must release via Cleanup; otherwise Paths
// lists the originals for per-segment processing.
type Segments struct {
	Merged  bool
	Path    string
	Paths   []string
	Cleanup func()
}

// RecentSegments returns the last n HLS segments, newest last. For n>1
// the segments are concatenated copy-mode into a scratch file; on merge
// failure the caller falls back to per-segment processing. Originals are
// never modified.
func (s *Service) RecentSegments(ctx context.Context, host, deviceID string, n int) (Segments, error) {
	if n < 1 {
		n = 1
	}
	dir := s.DeviceDir(host, deviceID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Segments{}, fmt.Errorf("read capture dir: %w", err)
	}

	type numbered struct {
		n    int64
		path string
	}
	var segs []numbered
	for _, e := range entries {
		if num, ok := ParseSegmentNumber(e.Name()); ok {
			segs = append(segs, numbered{n: num, path: filepath.Join(dir, e.Name())})
		}
	}
	if len(segs) == 0 {
		return Segments{}, ErrNoCaptures
	}
	// Newest n, ascending order for playback continuity.
	sort.Slice(segs, func(i, j int) bool { return segs[i].n < segs[j].n })
	if len(segs) > n {
		segs = segs[len(segs)-n:]
	}
	paths := make([]string, len(segs))
	for i, sg := range segs {
		paths[i] = sg.path
	}

	if len(paths) == 1 {
		return Segments{Paths: paths, Path: paths[0], Cleanup: func() {}}, nil
	}

	merged := filepath.Join(s.scratchDir, fmt.Sprintf("merged_%s.ts", uuid.NewString()))
	if err := s.merger.ConcatCopy(ctx, paths, merged); err != nil {
		logger := log.WithComponentFromContext(ctx, "capture")
		logger.Warn().
			Err(err).
			Str(log.FieldDeviceID, deviceID).
			Int("segments", len(paths)).
			Msg("segment merge failed, falling back to per-segment processing")
		return Segments{Paths: paths, Cleanup: func() {}}, nil
	}
	return Segments{
		Merged:  true,
		Path:    merged,
		Paths:   paths,
		Cleanup: func() { _ = os.Remove(merged) },
	}, nil
}

// NextScreenshot waits for the next keyframe after the call and returns
// its path. Polling keeps this independent of the monitor's queue.
func (s *Service) NextScreenshot(ctx context.Context, host, deviceID string, timeout time.Duration) (string, error) {
	dir := s.DeviceDir(host, deviceID)
	baseline := s.maxFrameSeq(dir)

	deadline := time.Now().Add(timeout)
	for {
		if cur, path := s.newestFrameAfter(dir, baseline); cur > baseline {
			return path, nil
		}
		if time.Now().After(deadline) {
			// Fall back to the newest existing frame rather than failing
			// a live stream that paused.
			if seq, path := s.newestFrameAfter(dir, -1); seq >= 0 {
				return path, nil
			}
			return "", ErrNoCaptures
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *Service) maxFrameSeq(dir string) int64 {
	seq, _ := s.newestFrameAfter(dir, -1)
	return seq
}

// newestFrameAfter returns the highest frame sequence greater than after,
// or (-1, "") when none exists.
func (s *Service) newestFrameAfter(dir string, after int64) (int64, string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return -1, ""
	}
	best, bestPath := after, ""
	for _, e := range entries {
		if seq, ok := ParseFrameSequence(e.Name()); ok && seq > best {
			best, bestPath = seq, filepath.Join(dir, e.Name())
		}
	}
	if bestPath == "" {
		return -1, ""
	}
	return best, bestPath
}
