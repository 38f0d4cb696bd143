// Package proxy routes action, verification and capture RPCs from the
// orchestrator to the host agent that owns the target device.
package proxy

import "github.com/angelstreet/virtualpytest/internal/navigation/model"

// ActionRequest is one device command forwarded to a host agent.
type ActionRequest struct {
	Command  string         `json:"command"`
	Params   map[string]any `json:"params,omitempty"`
	DeviceID string         `json:"device_id,omitempty"`
}

// ActionResult is the per-action outcome of an execute or batch call.
type ActionResult struct {
	Command    string         `json:"command"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// BatchRequest executes an ordered action list; retry actions run only for
// actions that failed their first attempt.
type BatchRequest struct {
	DeviceID     string          `json:"device_id"`
	Actions      []ActionRequest `json:"actions"`
	RetryActions []ActionRequest `json:"retry_actions,omitempty"`
}

// BatchResult reports per-action results. Success is true only when every
// action passed; partial failures still carry the full result list.
type BatchResult struct {
	Success     bool           `json:"success"`
	Results     []ActionResult `json:"results"`
	PassedCount int            `json:"passed_count"`
	TotalCount  int            `json:"total_count"`
}

// VerificationRequest runs a verification list on the device.
type VerificationRequest struct {
	DeviceID      string               `json:"device_id"`
	Verifications []model.Verification `json:"verifications"`
	PassCondition model.PassCondition  `json:"pass_condition,omitempty"`
}

// VerificationResult is the per-verification outcome.
type VerificationResult struct {
	Command string `json:"command"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// VerificationResponse aggregates results under the pass condition.
type VerificationResponse struct {
	Success     bool                 `json:"success"`
	Results     []VerificationResult `json:"results"`
	PassedCount int                  `json:"passed_count"`
	TotalCount  int                  `json:"total_count"`
}

// ScreenshotResponse carries the URL of the captured keyframe.
type ScreenshotResponse struct {
	Success       bool   `json:"success"`
	ScreenshotURL string `json:"screenshot_url,omitempty"`
	Error         string `json:"error,omitempty"`
}

// LatestJSONResponse points at the most recent completed analysis sidecar.
type LatestJSONResponse struct {
	Success       bool   `json:"success"`
	LatestJSONURL string `json:"latest_json_url,omitempty"`
	Sequence      int64  `json:"sequence,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	Error         string `json:"error,omitempty"`
}
