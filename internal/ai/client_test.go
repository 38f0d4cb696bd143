package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelstreet/virtualpytest/internal/config"
)

func newClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(config.AIConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, Retries: 2})
	c.retryDelay = time.Millisecond
	return c
}

func TestTranslatePreservesEmptyInputs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ai/translate", r.URL.Path)
		var req struct {
			Texts          []string `json:"texts"`
			SourceLanguage string   `json:"source_language"`
			TargetLanguage string   `json:"target_language"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// The empty string never reaches the service.
		assert.Equal(t, []string{"Hello", "How are you"}, req.Texts)
		assert.Equal(t, "es", req.TargetLanguage)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"translations": []string{"Hola", "Cómo estás"},
		})
	})

	c := newClient(t, handler)
	out, err := c.Translate(context.Background(), []string{"Hello", "How are you", ""}, "en", "es")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hola", "Cómo estás", ""}, out)
}

func TestTranslateAllEmptySkipsService(t *testing.T) {
	var hits atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	c := newClient(t, handler)
	out, err := c.Translate(context.Background(), []string{"", ""}, "en", "es")
	require.NoError(t, err)
	assert.Equal(t, []string{"", ""}, out)
	assert.Zero(t, hits.Load())
}

func TestTransportRetry(t *testing.T) {
	var hits atomic.Int64
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(SubtitleResult{Detected: true, Text: "Hello", Language: "en"})
	})

	c := newClient(t, handler)
	res, err := c.DetectSubtitles(context.Background(), "http://server/captures/h1/d1/capture_42.jpg")
	require.NoError(t, err)
	assert.True(t, res.Detected)
	assert.EqualValues(t, 3, hits.Load())
}

func TestChannelInfoComplete(t *testing.T) {
	assert.False(t, ChannelInfo{ChannelName: "TF1"}.Complete())
	assert.True(t, ChannelInfo{
		ChannelName: "TF1", ProgramName: "News",
		StartTime: "20:00", EndTime: "20:45",
	}.Complete())
}

func TestCancelledContextStopsRetries(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	c := newClient(t, handler)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.AnalyzeBanner(ctx, "http://server/captures/h1/d1/capture_1.jpg")
	assert.Error(t, err)
}
