// Package client is the Go client for the orchestrator HTTP API. Script
// tooling uses it to drive devices through the server rather than talking
// to host agents directly.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/navigation/pathfind"
)

// Client calls the orchestrator API. Safe for concurrent use.
type Client struct {
	base       string
	httpClient *http.Client
}

// New builds a client for the orchestrator at baseURL.
func New(baseURL string) *Client {
	return &Client{
		base:       strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// apiError mirrors the server's structured error body.
type apiError struct {
	ErrorType  string `json:"error_type"`
	Message    string `json:"error"`
	LockedBy   string `json:"locked_by,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// asDomainError maps the wire taxonomy back onto the domain error types,
// so callers can classify failures the same way in-process code does.
func (e apiError) asDomainError() error {
	switch lock.ErrorType(e.ErrorType) {
	case lock.ErrDeviceLocked, lock.ErrDeviceNotFound, lock.ErrLeaseExpired,
		lock.ErrStreamService, lock.ErrADBConnection, lock.ErrNetwork:
		return &lock.ControlError{
			Type:     lock.ErrorType(e.ErrorType),
			Message:  e.Message,
			LockedBy: e.LockedBy,
		}
	}
	if e.ErrorType == "no_path" {
		return fmt.Errorf("%s: %w", e.Message, pathfind.ErrNoPath)
	}
	return fmt.Errorf("%s: %s", e.ErrorType, e.Message)
}

// post sends a JSON request and decodes a JSON response. sessionID, when
// set, rides the session header the proxy forwards to the host.
func (c *Client) post(ctx context.Context, path, sessionID string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(proxy.SessionHeader, sessionID)
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &lock.ControlError{Type: lock.ErrNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &lock.ControlError{Type: lock.ErrNetwork, Message: err.Error()}
	}
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.ErrorType != "" {
			return ae.asDomainError()
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// TakeControl acquires the exclusive device lease for the session.
func (c *Client) TakeControl(ctx context.Context, host, deviceID, sessionID, userID string) error {
	return c.post(ctx, "/server/control/takeControl", sessionID, map[string]any{
		"host_name":  host,
		"device_id":  deviceID,
		"session_id": sessionID,
		"user_id":    userID,
	}, nil)
}

// ReleaseControl gives the lease back. Releasing an already-released
// device succeeds.
func (c *Client) ReleaseControl(ctx context.Context, host, deviceID, sessionID string) error {
	return c.post(ctx, "/server/control/releaseControl", sessionID, map[string]any{
		"host_name":  host,
		"device_id":  deviceID,
		"session_id": sessionID,
	}, nil)
}

// Heartbeat renews the lease expiry window.
func (c *Client) Heartbeat(ctx context.Context, host, deviceID, sessionID string) error {
	return c.post(ctx, "/server/control/heartbeat", sessionID, map[string]any{
		"host_name":  host,
		"device_id":  deviceID,
		"session_id": sessionID,
	}, nil)
}

// FindPath plans a walk through the navigation tree.
func (c *Client) FindPath(ctx context.Context, treeID, fromNodeID, toNodeID string) (*pathfind.Plan, error) {
	var resp struct {
		Plan *pathfind.Plan `json:"plan"`
	}
	err := c.post(ctx, "/server/navigation/findPath", "", map[string]any{
		"tree_id":      treeID,
		"from_node_id": fromNodeID,
		"to_node_id":   toNodeID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Plan, nil
}

// GetTreeByInterface loads the navigation tree bound to a userinterface.
func (c *Client) GetTreeByInterface(ctx context.Context, interfaceID string) (*model.Tree, error) {
	var resp struct {
		Tree *model.Tree `json:"tree"`
	}
	if err := c.get(ctx, "/server/navigationTrees/getTreeByUserInterfaceId/"+interfaceID, &resp); err != nil {
		return nil, err
	}
	return resp.Tree, nil
}

// ExecuteBatch dispatches an action batch to the device's host.
func (c *Client) ExecuteBatch(ctx context.Context, host, sessionID string, req proxy.BatchRequest) (proxy.BatchResult, error) {
	var out proxy.BatchResult
	err := c.post(ctx, "/server/action/executeBatch", sessionID, map[string]any{
		"host":          host,
		"device_id":     req.DeviceID,
		"actions":       req.Actions,
		"retry_actions": req.RetryActions,
	}, &out)
	return out, err
}

// ExecuteVerification runs verifications on the device's host.
func (c *Client) ExecuteVerification(ctx context.Context, host, sessionID string, req proxy.VerificationRequest) (proxy.VerificationResponse, error) {
	var out proxy.VerificationResponse
	err := c.post(ctx, "/server/verification/execute", sessionID, map[string]any{
		"host":           host,
		"device_id":      req.DeviceID,
		"verifications":  req.Verifications,
		"pass_condition": req.PassCondition,
	}, &out)
	return out, err
}

// TakeScreenshot asks for the next keyframe URL of the device stream.
func (c *Client) TakeScreenshot(ctx context.Context, host, deviceID, sessionID string) (proxy.ScreenshotResponse, error) {
	var out proxy.ScreenshotResponse
	err := c.post(ctx, "/server/av/takeScreenshot", sessionID, map[string]any{
		"host":      host,
		"device_id": deviceID,
	}, &out)
	return out, err
}

// LatestJSON returns the most recent completed analysis sidecar.
func (c *Client) LatestJSON(ctx context.Context, host, deviceID, sessionID string) (proxy.LatestJSONResponse, error) {
	var out proxy.LatestJSONResponse
	err := c.post(ctx, "/server/av/monitoring/latest-json", sessionID, map[string]any{
		"host":      host,
		"device_id": deviceID,
	}, &out)
	return out, err
}
