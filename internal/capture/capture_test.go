package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestParseNumberedNames(t *testing.T) {
	tests := []struct {
		name string
		want int64
		ok   bool
	}{
		{"capture_42.jpg", 42, true},
		{"capture_0.jpg", 0, true},
		{"capture_x.jpg", 0, false},
		{"screenshot_42.jpg", 0, false},
		{"capture_42.json", 0, false},
	}
	for _, tc := range tests {
		got, ok := ParseFrameSequence(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		if ok {
			assert.Equal(t, tc.want, got, tc.name)
		}
	}

	seq, ok := ParseSidecarSequence("capture_7.json")
	require.True(t, ok)
	assert.EqualValues(t, 7, seq)

	n, ok := ParseSegmentNumber("segment_123.ts")
	require.True(t, ok)
	assert.EqualValues(t, 123, n)
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t, "/cap/h/d/capture_5.json", SidecarPath("/cap/h/d/capture_5.jpg"))
}

func writeFrame(t *testing.T, dir string, seq int64) string {
	t.Helper()
	path := filepath.Join(dir, fmt.Sprintf("capture_%d.jpg", seq))
	require.NoError(t, os.WriteFile(path, []byte("jpg"), 0o644))
	return path
}

func TestMonitorEmitsFramesInOrder(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "h1", "d1")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// Out-of-order creation; the monitor must emit by sequence.
	writeFrame(t, dir, 2)
	writeFrame(t, dir, 1)
	writeFrame(t, dir, 3)

	m := NewMonitor(root, "h1", "d1", 16, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	var got []int64
	for len(got) < 3 {
		select {
		case f := <-m.Frames():
			got = append(got, f.Sequence)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	assert.Equal(t, []int64{1, 2, 3}, got)

	// A frame arriving later is picked up too.
	writeFrame(t, dir, 4)
	select {
	case f := <-m.Frames():
		assert.EqualValues(t, 4, f.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for late frame")
	}

	cancel()
	<-done
}

func TestLatestJSONPicksHighestSequence(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "h1", "d1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, seq := range []int{3, 10, 7} {
		path := filepath.Join(dir, fmt.Sprintf("capture_%d.json", seq))
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	}

	s := NewService(root, "", "http://server", nil)
	info, err := s.LatestJSON("h1", "d1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, info.Sequence)
	assert.Equal(t, "http://server/captures/h1/d1/capture_10.json", info.URL)
}

func TestLatestJSONEmpty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "h1", "d1"), 0o755))

	s := NewService(root, "", "http://server", nil)
	_, err := s.LatestJSON("h1", "d1")
	assert.ErrorIs(t, err, ErrNoCaptures)
}

type fakeMerger struct {
	fail  bool
	calls int
}

func (f *fakeMerger) ConcatCopy(ctx context.Context, segments []string, outPath string) error {
	f.calls++
	if f.fail {
		return errors.New("merge boom")
	}
	var data []byte
	for _, s := range segments {
		b, err := os.ReadFile(s)
		if err != nil {
			return err
		}
		data = append(data, b...)
	}
	return os.WriteFile(outPath, data, 0o644)
}

func writeSegments(t *testing.T, root string, nums ...int) string {
	t.Helper()
	dir := filepath.Join(root, "h1", "d1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, n := range nums {
		path := filepath.Join(dir, fmt.Sprintf("segment_%d.ts", n))
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("S%d|", n)), 0o644))
	}
	return dir
}

func TestRecentSegmentsSingle(t *testing.T) {
	root := t.TempDir()
	writeSegments(t, root, 1, 2, 3)

	merger := &fakeMerger{}
	s := NewService(root, t.TempDir(), "http://server", merger)
	segs, err := s.RecentSegments(context.Background(), "h1", "d1", 1)
	require.NoError(t, err)
	defer segs.Cleanup()

	assert.False(t, segs.Merged)
	assert.Contains(t, segs.Path, "segment_3.ts")
	assert.Zero(t, merger.calls, "single segment needs no merge")
}

func TestRecentSegmentsMerged(t *testing.T) {
	root := t.TempDir()
	dir := writeSegments(t, root, 1, 2, 3, 4)

	merger := &fakeMerger{}
	s := NewService(root, t.TempDir(), "http://server", merger)
	segs, err := s.RecentSegments(context.Background(), "h1", "d1", 3)
	require.NoError(t, err)

	require.True(t, segs.Merged)
	data, err := os.ReadFile(segs.Path)
	require.NoError(t, err)
	assert.Equal(t, "S2|S3|S4|", string(data), "newest three, ascending")

	segs.Cleanup()
	_, err = os.Stat(segs.Path)
	assert.True(t, os.IsNotExist(err), "temp merge file removed after cleanup")

	// Originals untouched.
	for _, n := range []int{1, 2, 3, 4} {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("segment_%d.ts", n)))
		assert.NoError(t, err)
	}
}

func TestRecentSegmentsMergeFailureFallsBack(t *testing.T) {
	root := t.TempDir()
	writeSegments(t, root, 1, 2, 3)

	merger := &fakeMerger{fail: true}
	s := NewService(root, t.TempDir(), "http://server", merger)
	segs, err := s.RecentSegments(context.Background(), "h1", "d1", 2)
	require.NoError(t, err)
	defer segs.Cleanup()

	assert.False(t, segs.Merged)
	require.Len(t, segs.Paths, 2)
	assert.Contains(t, segs.Paths[0], "segment_2.ts")
	assert.Contains(t, segs.Paths[1], "segment_3.ts")
}

func TestNextScreenshotWaitsForNewFrame(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "h1", "d1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	writeFrame(t, dir, 1)

	s := NewService(root, "", "http://server", nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		writeFrame(t, dir, 2)
	}()

	path, err := s.NextScreenshot(context.Background(), "h1", "d1", 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, path, "capture_2.jpg")
}

func TestPrunerRemovesOnlyExpiredArtifacts(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "h1", "d1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "transcript", "14"), 0o755))

	old := filepath.Join(dir, "capture_1.jpg")
	oldSeg := filepath.Join(dir, "segment_1.ts")
	fresh := filepath.Join(dir, "capture_2.jpg")
	transcript := filepath.Join(dir, "transcript", "14", "chunk_10min_0.json")
	for _, p := range []string{old, oldSeg, fresh, transcript} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(oldSeg, past, past))
	require.NoError(t, os.Chtimes(transcript, past, past))

	NewPruner(root, time.Hour, 0).PruneOnce(context.Background())

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(oldSeg)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
	_, err = os.Stat(transcript)
	assert.NoError(t, err, "transcript chunks are not pruned")
}
