// Package zapdetect implements channel-change detection. Each observed
// zap is a single-shot state machine over the frames following a key
// release: the transition shows up as blackscreen or freeze, content
// reappearance ends it. The first successful method is learned and used
// exclusively for the rest of the run.
package zapdetect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/angelstreet/virtualpytest/internal/ai"
	"github.com/angelstreet/virtualpytest/internal/analysis"
	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/metrics"
)

// Method identifies which transition signal detected a zap.
type Method string

const (
	MethodBlackscreen Method = "blackscreen"
	MethodFreeze      Method = "freeze"
)

// Event is the outcome of one observed zap.
type Event struct {
	DeviceID      string          `json:"device_id"`
	ActionCommand string          `json:"action_command"`
	KeyReleaseTS  time.Time       `json:"key_release_ts"`
	Detected      bool            `json:"detected"`
	Method        Method          `json:"method,omitempty"`
	DurationS     float64         `json:"duration_s,omitempty"`
	ChannelInfo   *ai.ChannelInfo `json:"channel_info,omitempty"`
}

// Stats accumulates over all zaps of one run.
type Stats struct {
	Iterations               int       `json:"iterations"`
	MotionDetectedCount      int       `json:"motion_detected_count"`
	SubtitleDetectedCount    int       `json:"subtitle_detected_count"`
	AudioSpeechDetectedCount int       `json:"audio_speech_detected_count"`
	ZapDetectedCount         int       `json:"zap_detected_count"`
	Durations                []float64 `json:"durations"`
	Languages                []string  `json:"languages"`
	Channels                 []string  `json:"channels"`
	LearnedMethod            Method    `json:"learned_method,omitempty"`
}

// BannerAnalyzer extracts channel info from a frame image. Implemented
// by ai.Client; nil disables banner analysis.
type BannerAnalyzer interface {
	AnalyzeBanner(ctx context.Context, imageURL string) (ai.ChannelInfo, error)
}

// Controller runs zap observations for one device over the analyzer's
// sidecar stream. One observation at a time; the learned method and run
// stats persist across observations until Reset.
type Controller struct {
	windowFrames int
	banner       BannerAnalyzer

	mu      sync.Mutex
	learned Method
	stats   Stats
	active  *observation
}

type observation struct {
	keyRelease time.Time
	frames     chan analysis.Sidecar
}

// NewController builds a zap controller.
func NewController(cfg config.ZapConfig, banner BannerAnalyzer) *Controller {
	window := cfg.WindowFrames
	if window <= 0 {
		window = 10
	}
	return &Controller{windowFrames: window, banner: banner}
}

// OnSidecar feeds one analyzed frame into the active observation, if
// any. Register it with the analyzer's Subscribe.
func (c *Controller) OnSidecar(sc analysis.Sidecar) {
	c.mu.Lock()
	obs := c.active
	c.mu.Unlock()
	if obs == nil || !sc.Timestamp.After(obs.keyRelease) {
		return
	}
	select {
	case obs.frames <- sc:
	default:
		// Window already saturated; extra frames are irrelevant.
	}
}

// LearnedMethod reports the method learned so far in this run.
func (c *Controller) LearnedMethod() Method {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.learned
}

// Stats returns a copy of the accumulated run statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Durations = append([]float64(nil), c.stats.Durations...)
	st.Languages = append([]string(nil), c.stats.Languages...)
	st.Channels = append([]string(nil), c.stats.Channels...)
	st.LearnedMethod = c.learned
	return st
}

// Reset clears the learned method and statistics for a new run.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.learned = ""
	c.stats = Stats{}
}

// Observe watches the frame window following a key release and returns
// one Event. Detected=false with a nil error means the window closed
// without a transition; the caller decides whether that fails the step.
func (c *Controller) Observe(ctx context.Context, deviceID, actionCommand string, keyRelease time.Time) (Event, error) {
	obs := &observation{
		keyRelease: keyRelease,
		frames:     make(chan analysis.Sidecar, c.windowFrames),
	}
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return Event{}, fmt.Errorf("zap observation already in progress for %s", deviceID)
	}
	c.active = obs
	learned := c.learned
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = nil
		c.mu.Unlock()
	}()

	window := make([]analysis.Sidecar, 0, c.windowFrames)
	var channel ai.ChannelInfo
	for len(window) < c.windowFrames {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case sc := <-obs.frames:
			window = append(window, sc)
			c.analyzeBanner(ctx, sc, &channel)
			// The window can close early once the transition has
			// resolved and the banner has nothing left to extract.
			if c.resolved(window, learned) && (c.banner == nil || channel.Complete()) {
				return c.emit(deviceID, actionCommand, keyRelease, window, channel), nil
			}
		}
	}
	return c.emit(deviceID, actionCommand, keyRelease, window, channel), nil
}

// resolved reports whether some permitted method already found the full
// transition (signal observed, then negated) in the window so far.
func (c *Controller) resolved(window []analysis.Sidecar, learned Method) bool {
	for _, m := range c.methodOrder(learned) {
		if _, ok := transitionEnd(window, m); ok {
			return true
		}
	}
	return false
}

func (c *Controller) methodOrder(learned Method) []Method {
	if learned != "" {
		return []Method{learned}
	}
	return []Method{MethodBlackscreen, MethodFreeze}
}

// emit evaluates the state machine over the collected window, updates
// learned state and run stats, and produces the event.
func (c *Controller) emit(deviceID, actionCommand string, keyRelease time.Time, window []analysis.Sidecar, channel ai.ChannelInfo) Event {
	ev := Event{
		DeviceID:      deviceID,
		ActionCommand: actionCommand,
		KeyReleaseTS:  keyRelease,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range c.methodOrder(c.learned) {
		end, ok := transitionEnd(window, m)
		if !ok {
			continue
		}
		ev.Detected = true
		ev.Method = m
		ev.DurationS = end.Timestamp.Sub(keyRelease).Seconds()
		c.learned = m
		break
	}
	if channel.Complete() || channel.ChannelName != "" {
		ci := channel
		ev.ChannelInfo = &ci
	}

	c.recordStats(ev, window)

	logger := log.WithComponent("zapdetect").With().Str(log.FieldDeviceID, deviceID).Logger()
	if ev.Detected {
		metrics.ZapDetectedTotal.WithLabelValues(string(ev.Method)).Inc()
		metrics.ZapDuration.Observe(ev.DurationS)
		logger.Info().
			Str(log.FieldMethod, string(ev.Method)).
			Float64(log.FieldDuration, ev.DurationS).
			Msg("zap detected")
	} else {
		logger.Info().Int("window_frames", len(window)).Msg("zap not detected")
	}
	return ev
}

func (c *Controller) recordStats(ev Event, window []analysis.Sidecar) {
	c.stats.Iterations++
	motion, subtitle, speech := false, false, false
	for _, sc := range window {
		if !sc.Analysis.Freeze && !sc.Analysis.Blackscreen {
			motion = true
		}
		if sub := sc.Analysis.Subtitle; sub != nil {
			subtitle = subtitle || sub.SubtitlesDetected
			speech = speech || sub.SpeechDetected
			if sub.Language != "" {
				c.stats.Languages = appendUnique(c.stats.Languages, sub.Language)
			}
		}
	}
	if motion {
		c.stats.MotionDetectedCount++
	}
	if subtitle {
		c.stats.SubtitleDetectedCount++
	}
	if speech {
		c.stats.AudioSpeechDetectedCount++
	}
	if ev.Detected {
		c.stats.ZapDetectedCount++
		c.stats.Durations = append(c.stats.Durations, ev.DurationS)
	}
	if ev.ChannelInfo != nil && ev.ChannelInfo.ChannelName != "" {
		c.stats.Channels = appendUnique(c.stats.Channels, ev.ChannelInfo.ChannelName)
	}
}

// analyzeBanner issues one AI banner call for a frame that passes the
// cheap presence heuristic, merging partial results. Once channel info
// is complete no further calls are made.
func (c *Controller) analyzeBanner(ctx context.Context, sc analysis.Sidecar, channel *ai.ChannelInfo) {
	if c.banner == nil || channel.Complete() || sc.ImageURL == "" {
		return
	}
	// Banners only render over live content.
	if sc.Analysis.Blackscreen || sc.Analysis.Freeze {
		return
	}
	info, err := c.banner.AnalyzeBanner(ctx, sc.ImageURL)
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "zapdetect")
		logger.Warn().
			Err(err).
			Int64(log.FieldSequence, sc.Sequence).
			Msg("banner analysis failed")
		return
	}
	mergeChannelInfo(channel, info)
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func mergeChannelInfo(dst *ai.ChannelInfo, src ai.ChannelInfo) {
	if dst.ChannelName == "" {
		dst.ChannelName = src.ChannelName
	}
	if dst.ProgramName == "" {
		dst.ProgramName = src.ProgramName
	}
	if dst.StartTime == "" {
		dst.StartTime = src.StartTime
	}
	if dst.EndTime == "" {
		dst.EndTime = src.EndTime
	}
}

// transitionEnd finds the frame where the signal negates after having
// been present: the moment content reappears. Both the signal and its
// negation must occur inside the window.
func transitionEnd(window []analysis.Sidecar, m Method) (analysis.Sidecar, bool) {
	signal := func(sc analysis.Sidecar) bool {
		if m == MethodBlackscreen {
			return sc.Analysis.Blackscreen
		}
		return sc.Analysis.Freeze
	}
	start := -1
	for i, sc := range window {
		if signal(sc) {
			start = i
			break
		}
	}
	if start < 0 {
		return analysis.Sidecar{}, false
	}
	for _, sc := range window[start+1:] {
		if !signal(sc) {
			return sc, true
		}
	}
	return analysis.Sidecar{}, false
}
