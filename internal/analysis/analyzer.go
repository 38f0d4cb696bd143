package analysis

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/angelstreet/virtualpytest/internal/ai"
	"github.com/angelstreet/virtualpytest/internal/capture"
	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/metrics"
)

// AIService is the slice of the AI client the analyzer uses.
type AIService interface {
	DetectSubtitles(ctx context.Context, imageURL string) (ai.SubtitleResult, error)
	TranscribeAudio(ctx context.Context, audioURL string) (ai.SpeechResult, error)
}

var _ AIService = (*ai.Client)(nil)

// aiWindowFrames is how many frames one subtitle/speech sweep covers.
// Within the window the cached result is reused.
const aiWindowFrames = 30

// chunkCommitEvery controls transcript chunk commits: every 5th sequence,
// and only when the queue is not overloaded.
const chunkCommitEvery = 5

// Analyzer turns one device's frame queue into analysis sidecars. Not
// safe for concurrent use; run one analyzer per device.
type Analyzer struct {
	cfg      config.AnalyzerConfig
	host     string
	deviceID string

	frames   <-chan capture.Frame
	depth    func() int
	captures *capture.Service
	audio    *audioMeter
	aiSvc    AIService

	observers []func(Sidecar)

	// rolling state
	prevGrid    *lumaGrid
	lastWritten int64
	freeze      carriedBool
	freezeDiffs []float64
	macro       carriedBool
	macroScore  float64
	subtitle    *SubtitleInfo
	subtitleSrc int64
	lastFiles   []string
}

// carriedBool remembers a detection outcome and the sequence it was
// computed on, for load-shed frames that reuse it.
type carriedBool struct {
	val bool
	src int64
}

// New builds an analyzer over a monitor's queue. prober and aiSvc may be
// nil; the matching detections then degrade to carried/absent values.
func New(cfg config.AnalyzerConfig, mon *capture.Monitor, captures *capture.Service, prober VolumeProber, aiSvc AIService, host, deviceID string) *Analyzer {
	return &Analyzer{
		cfg:         cfg,
		host:        host,
		deviceID:    deviceID,
		frames:      mon.Frames(),
		depth:       mon.Depth,
		captures:    captures,
		audio:       newAudioMeter(prober, captures, cfg.SilenceFloorDB),
		aiSvc:       aiSvc,
		lastWritten: -1,
		subtitleSrc: -1,
		macro:       carriedBool{src: -1},
	}
}

func errOutOfOrder(seq, last int64) error {
	return fmt.Errorf("sequence %d not after %d", seq, last)
}

// Subscribe registers a callback invoked with every written sidecar, in
// sequence order. Used by the zap detector. Must be called before Run.
func (a *Analyzer) Subscribe(fn func(Sidecar)) {
	a.observers = append(a.observers, fn)
}

// Run consumes frames until the queue closes or ctx is cancelled.
func (a *Analyzer) Run(ctx context.Context) error {
	logger := log.WithComponent("analysis").With().
		Str(log.FieldHost, a.host).
		Str(log.FieldDeviceID, a.deviceID).
		Logger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-a.frames:
			if !ok {
				return nil
			}
			sc, err := a.ProcessFrame(ctx, f, a.depth())
			if err != nil {
				logger.Warn().Err(err).Int64(log.FieldSequence, f.Sequence).Msg("frame analysis failed")
				continue
			}
			for _, fn := range a.observers {
				fn(sc)
			}
		}
	}
}

// ProcessFrame analyses one keyframe and writes its sidecar. depth is the
// queue backlog at dequeue time; above the overload threshold the
// analyzer sheds everything except blackscreen, carrying prior values
// with an explicit source marker instead of dropping them.
func (a *Analyzer) ProcessFrame(ctx context.Context, f capture.Frame, depth int) (Sidecar, error) {
	if f.Sequence <= a.lastWritten {
		// Sequences only move forward; a rescan replay is ignored.
		return Sidecar{}, errOutOfOrder(f.Sequence, a.lastWritten)
	}

	overloaded := depth > a.cfg.OverloadQueueDepth
	mode := "full"
	if overloaded {
		mode = "shed"
	}

	stats, err := decodeFrame(f.Path, a.cfg.BlackLumaThreshold)
	if err != nil {
		return Sidecar{}, err
	}

	an := Analysis{
		Blackscreen:    stats.meanLuma < a.cfg.BlackLumaThreshold && stats.darkFrac >= a.cfg.BlackPixelCutoff,
		BlackscreenPct: stats.darkFrac * 100,
		Carried:        map[string]int64{},
	}

	a.analyzeFreeze(&an, f, stats, overloaded)
	a.analyzeMacroblocks(&an, f, stats, overloaded)

	lookback := a.cfg.AudioLookback
	if overloaded {
		lookback = 1
	}
	var carriedFrom int64
	an.Audio, an.VolumePct, an.MeanVolumeDB, carriedFrom = a.audio.measure(ctx, f.Host, f.DeviceID, f.Sequence, lookback)
	if carriedFrom >= 0 && carriedFrom != f.Sequence {
		an.Carried["audio"] = carriedFrom
	}

	a.analyzeAI(ctx, &an, f, overloaded)

	a.lastFiles = append(a.lastFiles, filepath.Base(f.Path))
	if len(a.lastFiles) > 3 {
		a.lastFiles = a.lastFiles[len(a.lastFiles)-3:]
	}
	an.Last3Filenames = append([]string(nil), a.lastFiles...)

	an.HasIncidents = an.Blackscreen || an.Freeze || !an.Audio || an.Macroblocks
	if len(an.Carried) == 0 {
		an.Carried = nil
	}

	sc := Sidecar{
		DeviceID:  f.DeviceID,
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		ImageURL:  a.imageURL(f),
		Analysis:  an,
	}
	if err := WriteSidecar(capture.SidecarPath(f.Path), sc); err != nil {
		return Sidecar{}, err
	}
	a.lastWritten = f.Sequence
	a.prevGrid = &stats.grid
	metrics.FramesAnalyzedTotal.WithLabelValues(mode).Inc()
	return sc, nil
}

// analyzeFreeze diffs the decimated grid against the previous frame.
// Under overload only every OverloadFreezeEvery-th sequence is diffed;
// the rest carry the last computed outcome.
func (a *Analyzer) analyzeFreeze(an *Analysis, f capture.Frame, stats frameStats, overloaded bool) {
	every := a.cfg.OverloadFreezeEvery
	if every < 1 {
		every = 10
	}
	compute := !overloaded || f.Sequence%int64(every) == 0

	switch {
	case a.prevGrid == nil:
		// Nothing to diff against yet.
		a.freeze = carriedBool{val: false, src: f.Sequence}
		a.freezeDiffs = nil
	case compute:
		d := gridDiff(*a.prevGrid, stats.grid)
		a.freezeDiffs = append(a.freezeDiffs, d)
		if len(a.freezeDiffs) > 3 {
			a.freezeDiffs = a.freezeDiffs[len(a.freezeDiffs)-3:]
		}
		a.freeze = carriedBool{val: d < a.cfg.FreezeThreshold, src: f.Sequence}
	default:
		metrics.DetectionsSkippedTotal.WithLabelValues("freeze").Inc()
		an.Carried["freeze"] = a.freeze.src
	}

	an.Freeze = a.freeze.val
	an.FreezeDiffs = append([]float64(nil), a.freezeDiffs...)
}

// analyzeMacroblocks scores block-edge energy; skipped entirely under
// overload, carrying the last outcome.
func (a *Analyzer) analyzeMacroblocks(an *Analysis, f capture.Frame, stats frameStats, overloaded bool) {
	if overloaded && a.macro.src >= 0 {
		metrics.DetectionsSkippedTotal.WithLabelValues("macroblocks").Inc()
		an.Carried["macroblocks"] = a.macro.src
	} else {
		score := macroblockScore(stats.grid)
		a.macroScore = score
		a.macro = carriedBool{val: score < a.cfg.MacroblockThreshold, src: f.Sequence}
	}
	an.Macroblocks = a.macro.val
	an.QualityScore = a.macroScore
}

// analyzeAI refreshes the subtitle/speech window and commits transcript
// chunks. AI calls are expensive: one sweep per window, reused in
// between, and suppressed entirely while overloaded.
func (a *Analyzer) analyzeAI(ctx context.Context, an *Analysis, f capture.Frame, overloaded bool) {
	if a.aiSvc == nil {
		return
	}

	due := a.subtitleSrc < 0 || f.Sequence-a.subtitleSrc >= aiWindowFrames
	if due && !overloaded {
		a.subtitle = a.sweepAI(ctx, f)
		a.subtitleSrc = f.Sequence
	} else if a.subtitle != nil && a.subtitleSrc != f.Sequence {
		an.Carried["subtitle"] = a.subtitleSrc
	}
	an.Subtitle = a.subtitle

	if overloaded || f.Sequence%chunkCommitEvery != 0 || a.subtitle == nil {
		return
	}
	a.commitTranscript(ctx, f)
}

func (a *Analyzer) sweepAI(ctx context.Context, f capture.Frame) *SubtitleInfo {
	logger := log.WithComponentFromContext(ctx, "analysis")
	info := &SubtitleInfo{}

	if sub, err := a.aiSvc.DetectSubtitles(ctx, a.imageURL(f)); err != nil {
		logger.Warn().Err(err).Int64(log.FieldSequence, f.Sequence).Msg("subtitle detection failed")
	} else {
		info.SubtitlesDetected = sub.Detected
		info.ExtractedText = sub.Text
		info.Language = sub.Language
	}

	if url := a.latestSegmentURL(ctx, f); url != "" {
		if sp, err := a.aiSvc.TranscribeAudio(ctx, url); err != nil {
			logger.Warn().Err(err).Int64(log.FieldSequence, f.Sequence).Msg("speech transcription failed")
		} else {
			info.SpeechDetected = sp.Detected
			info.Transcript = sp.Transcript
			if info.Language == "" {
				info.Language = sp.Language
			}
		}
	}
	return info
}

func (a *Analyzer) commitTranscript(ctx context.Context, f capture.Frame) {
	text, source := a.subtitle.Transcript, "speech"
	if text == "" {
		text, source = a.subtitle.ExtractedText, "subtitle"
	}
	if text == "" {
		return
	}
	entry := TranscriptEntry{
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
		Text:      text,
		Language:  a.subtitle.Language,
		Source:    source,
	}
	if err := AppendTranscript(a.captures.DeviceDir(f.Host, f.DeviceID), entry); err != nil {
		logger := log.WithComponentFromContext(ctx, "analysis")
		logger.Warn().
			Err(err).
			Int64(log.FieldSequence, f.Sequence).
			Msg("transcript commit failed")
	}
}

func (a *Analyzer) imageURL(f capture.Frame) string {
	if a.captures == nil {
		return ""
	}
	return a.captures.URLFor(f.Path)
}

func (a *Analyzer) latestSegmentURL(ctx context.Context, f capture.Frame) string {
	if a.captures == nil {
		return ""
	}
	segs, err := a.captures.RecentSegments(ctx, f.Host, f.DeviceID, 1)
	if err != nil {
		return ""
	}
	defer segs.Cleanup()
	return a.captures.URLFor(segs.Path)
}
