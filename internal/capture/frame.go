// Package capture ingests the per-device capture folders: HLS segments,
// JPEG keyframes and their JSON analysis sidecars.
package capture

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Frame is one keyframe emitted by a device's capture pipeline.
type Frame struct {
	Host      string    `json:"host"`
	DeviceID  string    `json:"device_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// SidecarPath returns the JSON sidecar path for a frame image path.
func SidecarPath(framePath string) string {
	return strings.TrimSuffix(framePath, filepath.Ext(framePath)) + ".json"
}

// ParseFrameSequence extracts N from a capture_<N>.jpg file name.
func ParseFrameSequence(name string) (int64, bool) {
	return parseNumbered(name, "capture_", ".jpg")
}

// ParseSidecarSequence extracts N from a capture_<N>.json file name.
func ParseSidecarSequence(name string) (int64, bool) {
	return parseNumbered(name, "capture_", ".json")
}

// ParseSegmentNumber extracts N from a segment_<N>.ts file name.
func ParseSegmentNumber(name string) (int64, bool) {
	return parseNumbered(name, "segment_", ".ts")
}

func parseNumbered(name, prefix, suffix string) (int64, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, prefix) || !strings.HasSuffix(base, suffix) {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(base, prefix), suffix), 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
