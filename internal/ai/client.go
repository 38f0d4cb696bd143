// Package ai is the HTTP client for the external AI service: subtitle OCR,
// speech transcription, banner channel-info extraction and translation.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/log"
)

// Client talks to the AI service. All calls honour context cancellation
// and retry transport failures with a bounded backoff.
type Client struct {
	base       string
	httpClient *http.Client
	retries    int
	retryDelay time.Duration
}

// New builds a client from config.
func New(cfg config.AIConfig) *Client {
	return &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retries:    cfg.Retries,
		retryDelay: 500 * time.Millisecond,
	}
}

// SubtitleResult is the outcome of subtitle OCR on one frame.
type SubtitleResult struct {
	Detected bool   `json:"subtitles_detected"`
	Text     string `json:"combined_extracted_text,omitempty"`
	Language string `json:"detected_language,omitempty"`
}

// DetectSubtitles runs OCR over the subtitle region of the frame image.
func (c *Client) DetectSubtitles(ctx context.Context, imageURL string) (SubtitleResult, error) {
	var out SubtitleResult
	err := c.post(ctx, "/ai/subtitles", map[string]string{"image_url": imageURL}, &out)
	return out, err
}

// SpeechResult is the outcome of speech-to-text on an audio segment.
type SpeechResult struct {
	Detected   bool   `json:"speech_detected"`
	Transcript string `json:"transcript,omitempty"`
	Language   string `json:"detected_language,omitempty"`
}

// TranscribeAudio runs speech-to-text over one audio segment.
func (c *Client) TranscribeAudio(ctx context.Context, audioURL string) (SpeechResult, error) {
	var out SpeechResult
	err := c.post(ctx, "/ai/speech", map[string]string{"audio_url": audioURL}, &out)
	return out, err
}

// ChannelInfo is the banner content extracted during a zap.
type ChannelInfo struct {
	ChannelName string `json:"channel_name,omitempty"`
	ProgramName string `json:"program_name,omitempty"`
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
}

// Complete reports whether every banner field was extracted. Once true,
// callers stop issuing further banner calls for the event.
func (ci ChannelInfo) Complete() bool {
	return ci.ChannelName != "" && ci.ProgramName != "" && ci.StartTime != "" && ci.EndTime != ""
}

// AnalyzeBanner extracts channel/program info from a frame showing the
// channel banner.
func (c *Client) AnalyzeBanner(ctx context.Context, imageURL string) (ChannelInfo, error) {
	var out ChannelInfo
	err := c.post(ctx, "/ai/banner", map[string]string{"image_url": imageURL}, &out)
	return out, err
}

// Translate translates texts into the target language. Empty inputs are
// never sent to the service and come back as empty strings, preserving
// positions in the parallel output array.
func (c *Client) Translate(ctx context.Context, texts []string, sourceLang, targetLang string) ([]string, error) {
	indexes := make([]int, 0, len(texts))
	payloadTexts := make([]string, 0, len(texts))
	for i, t := range texts {
		if t == "" {
			continue
		}
		indexes = append(indexes, i)
		payloadTexts = append(payloadTexts, t)
	}

	out := make([]string, len(texts))
	if len(payloadTexts) == 0 {
		return out, nil
	}

	var resp struct {
		Translations []string `json:"translations"`
	}
	err := c.post(ctx, "/ai/translate", map[string]any{
		"texts":           payloadTexts,
		"source_language": sourceLang,
		"target_language": targetLang,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Translations) != len(payloadTexts) {
		return nil, fmt.Errorf("translation count mismatch: sent %d, got %d", len(payloadTexts), len(resp.Translations))
	}
	for i, idx := range indexes {
		out[idx] = resp.Translations[i]
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("ai service returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("ai service rejected %s: %d %s", path, resp.StatusCode, string(raw))
		}
		return json.Unmarshal(raw, out)
	}

	logger := log.WithComponentFromContext(ctx, "ai")
	logger.Warn().
		Err(lastErr).
		Str(log.FieldPath, path).
		Msg("ai service unreachable after retries")
	return fmt.Errorf("ai service unreachable: %w", lastErr)
}
