package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/angelstreet/virtualpytest/internal/analysis"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/zapdetect"
)

// ZapFeed bridges the orchestrator's monitoring endpoint into a local
// zap controller: it polls the latest analysis sidecar of one device and
// feeds each new sequence into the controller. Run it alongside a script
// whose steps observe channel changes.
type ZapFeed struct {
	client    *Client
	ctrl      *zapdetect.Controller
	host      string
	deviceID  string
	sessionID string
	interval  time.Duration
	lastSeq   int64
}

// NewZapFeed builds a feed polling every 200ms.
func NewZapFeed(c *Client, ctrl *zapdetect.Controller, host, deviceID, sessionID string) *ZapFeed {
	return &ZapFeed{
		client:    c,
		ctrl:      ctrl,
		host:      host,
		deviceID:  deviceID,
		sessionID: sessionID,
		interval:  200 * time.Millisecond,
	}
}

// Run polls until the context ends. Transient poll failures are logged
// and skipped; the feed never gives up on its own.
func (f *ZapFeed) Run(ctx context.Context) error {
	logger := log.WithComponent("zapfeed").With().
		Str(log.FieldHost, f.host).
		Str(log.FieldDeviceID, f.deviceID).
		Logger()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		info, err := f.client.LatestJSON(ctx, f.host, f.deviceID, f.sessionID)
		if err != nil {
			logger.Debug().Err(err).Msg("latest-json poll failed")
			continue
		}
		if !info.Success || info.LatestJSONURL == "" || info.Sequence <= f.lastSeq {
			continue
		}
		sc, err := f.fetchSidecar(ctx, info.LatestJSONURL)
		if err != nil {
			logger.Warn().Err(err).Str("url", info.LatestJSONURL).Msg("sidecar fetch failed")
			continue
		}
		f.lastSeq = sc.Sequence
		f.ctrl.OnSidecar(sc)
	}
}

func (f *ZapFeed) fetchSidecar(ctx context.Context, url string) (analysis.Sidecar, error) {
	var sc analysis.Sidecar
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sc, err
	}
	resp, err := f.client.httpClient.Do(req)
	if err != nil {
		return sc, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sc, fmt.Errorf("sidecar fetch: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		return sc, fmt.Errorf("decode sidecar: %w", err)
	}
	return sc, nil
}
