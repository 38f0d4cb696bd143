// Package media wraps the ffmpeg invocations the capture and analysis
// pipelines depend on: copy-mode segment concatenation and audio level
// measurement. Cancellation kills the whole ffmpeg process group and
// removes partial outputs.
package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/procgroup"
)

// ErrFFmpegMissing signals that the ffmpeg binary is not installed.
var ErrFFmpegMissing = errors.New("ffmpeg not installed")

// FFmpeg runs ffmpeg commands. The zero value is not usable; use New.
type FFmpeg struct {
	bin   string
	grace time.Duration
}

// New builds a runner for the given binary name or path.
func New(bin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpeg{bin: bin, grace: 2 * time.Second}
}

// ConcatCopy merges segments into outPath without re-encoding, using the
// concat demuxer. The concat list file lives next to the output and is
// removed afterwards. Source segments are never modified.
func (f *FFmpeg) ConcatCopy(ctx context.Context, segments []string, outPath string) error {
	if len(segments) == 0 {
		return fmt.Errorf("no segments to merge")
	}

	var list strings.Builder
	for _, s := range segments {
		abs, err := filepath.Abs(s)
		if err != nil {
			return err
		}
		// The concat demuxer treats single quotes specially.
		list.WriteString("file '" + strings.ReplaceAll(abs, "'", `'\''`) + "'\n")
	}
	listPath := outPath + ".list"
	if err := renameio.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer func() { _ = os.Remove(listPath) }()

	_, err := f.run(ctx,
		"-y", "-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)
	if err != nil {
		_ = os.Remove(outPath) // partial output is worthless
		return fmt.Errorf("concat merge: %w", err)
	}
	return nil
}

var meanVolumeRe = regexp.MustCompile(`mean_volume:\s*(-?\d+(?:\.\d+)?)\s*dB`)

// MeanVolumeDB measures the mean audio level of a media file in dBFS via
// the volumedetect filter.
func (f *FFmpeg) MeanVolumeDB(ctx context.Context, mediaPath string) (float64, error) {
	out, err := f.run(ctx,
		"-i", mediaPath,
		"-af", "volumedetect",
		"-f", "null", "-",
	)
	if err != nil {
		return 0, fmt.Errorf("volumedetect: %w", err)
	}
	m := meanVolumeRe.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no mean_volume in ffmpeg output for %s", filepath.Base(mediaPath))
	}
	return strconv.ParseFloat(m[1], 64)
}

// run executes ffmpeg and returns its combined output. On context
// cancellation the whole process group is reaped.
func (f *FFmpeg) run(ctx context.Context, args ...string) (string, error) {
	if _, err := exec.LookPath(f.bin); err != nil {
		return "", ErrFFmpegMissing
	}

	cmd := exec.Command(f.bin, append([]string{"-hide_banner", "-nostdin"}, args...)...) // #nosec G204 -- args built internally
	procgroup.Set(cmd)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = procgroup.KillGroup(cmd, f.grace)
		case <-done:
		}
	}()

	out, err := cmd.CombinedOutput()
	close(done)

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "ffmpeg")
		logger.Debug().
			Err(err).
			Str("args", strings.Join(args, " ")).
			Msg("ffmpeg invocation failed")
		return "", fmt.Errorf("%s: %w: %s", f.bin, err, tail(string(out), 400))
	}
	return string(out), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
