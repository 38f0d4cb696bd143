// Package script drives scripted test runs: take the device lease, walk
// navigation steps through the host proxy, verify each target screen,
// optionally observe zaps, and always release the lease on the way out.
package script

import (
	"time"

	"github.com/angelstreet/virtualpytest/internal/zapdetect"
)

// Step is one planned navigation hop of a script.
type Step struct {
	TreeID     string `json:"tree_id" yaml:"tree_id"`
	From       string `json:"from_node_id" yaml:"from"`
	To         string `json:"to_node_id" yaml:"to"`
	ObserveZap bool   `json:"observe_zap,omitempty" yaml:"observe_zap"`
}

// Script is a full planned run against one device. Scripts load from
// YAML files via the runscript tool or are built programmatically.
type Script struct {
	Name     string `json:"name" yaml:"name"`
	Host     string `json:"host_name" yaml:"host"`
	DeviceID string `json:"device_id" yaml:"device_id"`
	UserID   string `json:"user_id" yaml:"user_id"`
	TreeID   string `json:"tree_id" yaml:"tree_id"`
	Steps    []Step `json:"steps" yaml:"steps"`

	// SessionID presets the run's session identity so collaborators
	// (e.g. a sidecar feed) can share the lease. Generated when empty.
	SessionID string `json:"-" yaml:"-"`
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Index      int             `json:"index"`
	From       string          `json:"from_node_id"`
	To         string          `json:"to_node_id"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	ErrorType  string          `json:"error_type,omitempty"`
	DurationS  float64         `json:"duration_s"`
	Screenshot string          `json:"screenshot_url,omitempty"`
	Zap        *zapdetect.Event `json:"zap,omitempty"`
}

// Summary is the published run outcome.
type Summary struct {
	ResultID      string          `json:"result_id"`
	ScriptSuccess bool            `json:"script_success"`
	ReportURL     string          `json:"report_url,omitempty"`
	StepResults   []StepResult    `json:"step_results"`
	ZapStats      *zapdetect.Stats `json:"zap_stats,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    time.Time       `json:"finished_at"`
}
