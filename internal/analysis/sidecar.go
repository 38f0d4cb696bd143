// Package analysis consumes the per-device frame queue and writes one JSON
// analysis sidecar per keyframe: blackscreen, freeze, audio level,
// macroblock quality and AI-assisted subtitle/speech detection, with
// adaptive load shedding driven by queue depth.
package analysis

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

// SubtitleInfo is the cached AI subtitle/speech outcome for the window.
type SubtitleInfo struct {
	SubtitlesDetected bool   `json:"subtitles_detected"`
	ExtractedText     string `json:"extracted_text,omitempty"`
	SpeechDetected    bool   `json:"speech_detected"`
	Transcript        string `json:"transcript,omitempty"`
	Language          string `json:"detected_language,omitempty"`
}

// Analysis is the detection block of a sidecar.
type Analysis struct {
	Blackscreen    bool      `json:"blackscreen"`
	BlackscreenPct float64   `json:"blackscreen_pct"`
	Freeze         bool      `json:"freeze"`
	FreezeDiffs    []float64 `json:"freeze_diffs"`
	Audio          bool      `json:"audio"`
	VolumePct      float64   `json:"volume_pct"`
	MeanVolumeDB   float64   `json:"mean_volume_db"`
	Macroblocks    bool      `json:"macroblocks"`
	QualityScore   float64   `json:"quality_score"`
	HasIncidents   bool      `json:"has_incidents"`
	Last3Filenames []string  `json:"last_3_filenames"`

	Subtitle *SubtitleInfo `json:"subtitle,omitempty"`

	// Carried maps a detection name to the sequence its value was carried
	// from when load shedding skipped the computation. Nothing is ever
	// dropped silently.
	Carried map[string]int64 `json:"carried,omitempty"`
}

// Sidecar is the JSON document written next to each captured JPEG.
type Sidecar struct {
	DeviceID  string    `json:"device_id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	ImageURL  string    `json:"image_url,omitempty"`
	Analysis  Analysis  `json:"analysis"`
}

// WriteSidecar persists the sidecar atomically (tmp + rename): readers
// never observe a torn document.
func WriteSidecar(path string, sc Sidecar) error {
	raw, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("encode sidecar %d: %w", sc.Sequence, err)
	}
	return renameio.WriteFile(path, raw, 0o644)
}

// ReadSidecar loads one sidecar document.
func ReadSidecar(path string) (Sidecar, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- capture-root confined
	if err != nil {
		return Sidecar{}, err
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	return sc, nil
}
