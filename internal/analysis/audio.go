package analysis

import (
	"context"
	"math"

	"github.com/angelstreet/virtualpytest/internal/capture"
	"github.com/angelstreet/virtualpytest/internal/log"
)

// VolumeProber measures the mean audio level of a media file in dBFS.
// Implemented by media.FFmpeg.
type VolumeProber interface {
	MeanVolumeDB(ctx context.Context, path string) (float64, error)
}

// audioReading is one cached volume measurement tied to the sidecar
// sequence it was taken for.
type audioReading struct {
	seq    int64
	db     float64
	silent bool
}

// audioMeter answers "is there audio right now" per frame. Probing spawns
// an ffmpeg run, so readings are reused across a lookback window of
// recent sidecars instead of probing every frame.
type audioMeter struct {
	prober   VolumeProber
	captures *capture.Service
	floorDB  float64

	last *audioReading
}

func newAudioMeter(prober VolumeProber, captures *capture.Service, floorDB float64) *audioMeter {
	return &audioMeter{prober: prober, captures: captures, floorDB: floorDB}
}

// measure returns (audio present, volume percent, mean dB, carriedFrom).
// When a reading within lookback sidecars exists it is reused and
// carriedFrom names its source sequence; otherwise the latest segment is
// probed. carriedFrom is -1 for fresh readings.
func (a *audioMeter) measure(ctx context.Context, host, deviceID string, seq int64, lookback int) (bool, float64, float64, int64) {
	if lookback < 1 {
		lookback = 1
	}
	if a.last != nil && seq-a.last.seq < int64(lookback) {
		return !a.last.silent, volumePct(a.last.db, a.floorDB), a.last.db, a.last.seq
	}

	db, ok := a.probe(ctx, host, deviceID)
	if !ok {
		// Probe failed; keep the stale reading rather than reporting
		// false silence, but still mark it carried.
		if a.last != nil {
			return !a.last.silent, volumePct(a.last.db, a.floorDB), a.last.db, a.last.seq
		}
		return false, 0, a.floorDB, -1
	}
	a.last = &audioReading{seq: seq, db: db, silent: db <= a.floorDB}
	return !a.last.silent, volumePct(db, a.floorDB), db, -1
}

func (a *audioMeter) probe(ctx context.Context, host, deviceID string) (float64, bool) {
	if a.prober == nil || a.captures == nil {
		return 0, false
	}
	segs, err := a.captures.RecentSegments(ctx, host, deviceID, 1)
	if err != nil {
		return 0, false
	}
	defer segs.Cleanup()

	db, err := a.prober.MeanVolumeDB(ctx, segs.Path)
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "analysis")
		logger.Warn().
			Err(err).
			Str(log.FieldDeviceID, deviceID).
			Msg("audio probe failed")
		return 0, false
	}
	return db, true
}

// volumePct maps dBFS onto 0-100 with the silence floor pinned at 0.
func volumePct(db, floorDB float64) float64 {
	if floorDB >= 0 {
		floorDB = -60
	}
	pct := (1 - db/floorDB) * 100
	return math.Max(0, math.Min(100, pct))
}
