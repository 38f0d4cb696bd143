package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/angelstreet/virtualpytest/internal/config"
	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/metrics"
)

// SessionHeader carries the caller's session identity to the host agent.
const SessionHeader = "X-Session-ID"

// LeaseChecker verifies that a session owns a device before dispatch.
type LeaseChecker interface {
	CheckOwner(ctx context.Context, host, device, session string) error
}

// Proxy forwards orchestrator RPCs to host agents. Transport failures are
// retried with a bounded backoff; every other failure surfaces directly.
type Proxy struct {
	hosts      map[string]string // host name -> agent base URL
	leases     LeaseChecker
	httpClient *http.Client
	retries    int
	retryDelay time.Duration
	opTimeout  time.Duration
	limiter    *rate.Limiter
}

// New builds the proxy from the host inventory.
func New(hosts []config.HostConfig, leases LeaseChecker, cfg config.ProxyConfig) *Proxy {
	m := make(map[string]string, len(hosts))
	for _, h := range hosts {
		m[h.Name] = h.URL
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Proxy{
		hosts:      m,
		leases:     leases,
		httpClient: &http.Client{Timeout: cfg.OpTimeout},
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		opTimeout:  cfg.OpTimeout,
		limiter:    rate.NewLimiter(limit, burst),
	}
}

// ExecuteAction runs a single device command on the owning host.
func (p *Proxy) ExecuteAction(ctx context.Context, host, device, session string, req ActionRequest) (ActionResult, error) {
	req.DeviceID = device
	var out ActionResult
	err := p.do(ctx, "executeAction", host, device, session, "/host/action/execute", req, &out)
	return out, err
}

// ExecuteBatch runs an ordered action list. Partial failures return
// per-action results rather than failing the whole batch.
func (p *Proxy) ExecuteBatch(ctx context.Context, host, device, session string, req BatchRequest) (BatchResult, error) {
	req.DeviceID = device
	var out BatchResult
	err := p.do(ctx, "executeBatch", host, device, session, "/host/action/executeBatch", req, &out)
	return out, err
}

// ExecuteVerification runs a verification list on the device.
func (p *Proxy) ExecuteVerification(ctx context.Context, host, device, session string, req VerificationRequest) (VerificationResponse, error) {
	req.DeviceID = device
	var out VerificationResponse
	err := p.do(ctx, "executeVerification", host, device, session, "/host/verification/execute", req, &out)
	return out, err
}

// TakeScreenshot asks the host for the next keyframe of the device stream.
func (p *Proxy) TakeScreenshot(ctx context.Context, host, device, session string) (ScreenshotResponse, error) {
	var out ScreenshotResponse
	err := p.do(ctx, "takeScreenshot", host, device, session, "/host/av/screenshot",
		map[string]string{"device_id": device}, &out)
	return out, err
}

// LatestJSON returns the most recent completed analysis sidecar.
func (p *Proxy) LatestJSON(ctx context.Context, host, device, session string) (LatestJSONResponse, error) {
	var out LatestJSONResponse
	err := p.do(ctx, "getLatestJson", host, device, session, "/host/av/latest-json",
		map[string]string{"device_id": device}, &out)
	return out, err
}

// do enforces lease ownership, then POSTs the payload to the host agent
// with per-operation timeout, pacing and transport retry.
func (p *Proxy) do(ctx context.Context, op, host, device, session, path string, payload, out any) error {
	if p.leases != nil {
		if err := p.leases.CheckOwner(ctx, host, device, session); err != nil {
			metrics.ProxyRequestsTotal.WithLabelValues(op, "lease_denied").Inc()
			return err
		}
	}
	base, ok := p.hosts[host]
	if !ok {
		metrics.ProxyRequestsTotal.WithLabelValues(op, "unknown_host").Inc()
		return &lock.ControlError{Type: lock.ErrDeviceNotFound, Message: fmt.Sprintf("unknown host %q", host)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			metrics.ProxyRetriesTotal.Inc()
			select {
			case <-ctx.Done():
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
		}
		if err := p.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(SessionHeader, session)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("host %s returned %d", host, resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			// Client errors are not transient; surface immediately.
			metrics.ProxyRequestsTotal.WithLabelValues(op, "rejected").Inc()
			return fmt.Errorf("host %s rejected %s: %d %s", host, op, resp.StatusCode, string(raw))
		}
		if err := json.Unmarshal(raw, out); err != nil {
			metrics.ProxyRequestsTotal.WithLabelValues(op, "bad_response").Inc()
			return fmt.Errorf("decode %s response: %w", op, err)
		}
		metrics.ProxyRequestsTotal.WithLabelValues(op, "ok").Inc()
		metrics.ProxyLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		return nil
	}

	metrics.ProxyRequestsTotal.WithLabelValues(op, "transport_error").Inc()
	logger := log.WithComponentFromContext(ctx, "proxy")
	logger.Warn().
		Err(lastErr).
		Str(log.FieldHost, host).
		Str(log.FieldDeviceID, device).
		Str("op", op).
		Msg("host unreachable after retries")
	return &lock.ControlError{
		Type:    lock.ErrNetwork,
		Message: fmt.Sprintf("host %s unreachable: %v", host, lastErr),
	}
}
