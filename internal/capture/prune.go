package capture

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/angelstreet/virtualpytest/internal/log"
)

// Pruner deletes capture artifacts older than the retention age. It only
// touches frame, sidecar and segment files; transcripts and anything else
// under the capture root are left alone.
type Pruner struct {
	root     string
	maxAge   time.Duration
	interval time.Duration
}

// NewPruner builds a pruner over the capture root.
func NewPruner(root string, maxAge, interval time.Duration) *Pruner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Pruner{root: root, maxAge: maxAge, interval: interval}
}

// Run prunes on a fixed cadence until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce removes expired artifacts in a single pass.
func (p *Pruner) PruneOnce(ctx context.Context) {
	cutoff := time.Now().Add(-p.maxAge)
	removed := 0
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // keep walking past unreadable entries
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !prunable(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
		return nil
	})
	logger := log.WithComponent("capture")
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("retention walk failed")
	}
	if removed > 0 {
		logger.Debug().Int("removed", removed).Msg("expired captures pruned")
	}
}

func prunable(name string) bool {
	if _, ok := ParseFrameSequence(name); ok {
		return true
	}
	if _, ok := ParseSidecarSequence(name); ok {
		return true
	}
	if _, ok := ParseSegmentNumber(name); ok {
		return true
	}
	return false
}
