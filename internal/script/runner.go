package script

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/metrics"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/navigation/pathfind"
	"github.com/angelstreet/virtualpytest/internal/zapdetect"
)

// Controller is the lease slice the runner needs.
type Controller interface {
	TakeControl(ctx context.Context, host, deviceID, sessionID, userID string) error
	ReleaseControl(ctx context.Context, host, deviceID, sessionID string) error
}

// Navigator plans walks through the navigation graph.
type Navigator interface {
	FindPath(ctx context.Context, treeID, fromNodeID, toNodeID string) (*pathfind.Plan, error)
}

// Dispatcher sends action and verification batches to the device's host.
type Dispatcher interface {
	ExecuteBatch(ctx context.Context, host, sessionID string, req proxy.BatchRequest) (proxy.BatchResult, error)
	ExecuteVerification(ctx context.Context, host, sessionID string, req proxy.VerificationRequest) (proxy.VerificationResponse, error)
}

// ZapObserver watches the frame window after a channel-change action.
type ZapObserver interface {
	Observe(ctx context.Context, deviceID, actionCommand string, keyRelease time.Time) (zapdetect.Event, error)
	Reset()
	Stats() zapdetect.Stats
}

// Runner executes scripts. Markers on out follow the run protocol:
// SCRIPT_RESULT_ID:<id> once at start, SCRIPT_SUCCESS:<bool> exactly
// once at exit.
type Runner struct {
	control  Controller
	nav      Navigator
	dispatch Dispatcher
	zap      ZapObserver // optional

	out       io.Writer
	reportURL string // base URL for published reports, optional
}

// NewRunner wires a script runner. zap may be nil when the run never
// observes channel changes.
func NewRunner(control Controller, nav Navigator, dispatch Dispatcher, zap ZapObserver, out io.Writer, reportURL string) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		control:   control,
		nav:       nav,
		dispatch:  dispatch,
		zap:       zap,
		out:       out,
		reportURL: reportURL,
	}
}

// Run executes one script end to end. The returned Summary is always
// populated; err is non-nil only for setup failures and fatal aborts.
// The lease is released on every exit path.
func (r *Runner) Run(ctx context.Context, sc Script) (Summary, error) {
	resultID := uuid.NewString()
	sessionID := sc.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	summary := Summary{ResultID: resultID, StartedAt: time.Now()}
	if r.reportURL != "" {
		summary.ReportURL = fmt.Sprintf("%s/%s", r.reportURL, resultID)
	}

	fmt.Fprintf(r.out, "SCRIPT_RESULT_ID:%s\n", resultID)
	success := false
	defer func() {
		summary.FinishedAt = time.Now()
		fmt.Fprintf(r.out, "SCRIPT_SUCCESS:%t\n", success)
		metrics.ScriptRunsTotal.WithLabelValues(outcome(success)).Inc()
	}()

	logger := log.WithComponent("script").With().
		Str(log.FieldResultID, resultID).
		Str(log.FieldHost, sc.Host).
		Str(log.FieldDeviceID, sc.DeviceID).
		Logger()

	// Setup: lease first, then a clean zap state.
	if err := r.control.TakeControl(ctx, sc.Host, sc.DeviceID, sessionID, sc.UserID); err != nil {
		logger.Error().Err(err).Msg("setup failed: device not acquired")
		return summary, err
	}
	defer func() {
		// Teardown releases unconditionally, surviving ctx cancellation.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.control.ReleaseControl(relCtx, sc.Host, sc.DeviceID, sessionID); err != nil {
			logger.Warn().Err(err).Msg("lease release failed during teardown")
		}
	}()
	if r.zap != nil {
		r.zap.Reset()
		defer func() {
			st := r.zap.Stats()
			if st.Iterations > 0 {
				summary.ZapStats = &st
			}
		}()
	}

	current := ""
	allPassed := true
	for i, step := range sc.Steps {
		from := step.From
		if from == "" {
			from = current
		}
		res := r.runStep(ctx, sc, sessionID, i, from, step)
		summary.StepResults = append(summary.StepResults, res)
		if res.Success {
			current = step.To
			continue
		}
		allPassed = false
		if fatalError(res.ErrorType) {
			logger.Error().
				Str("error_type", res.ErrorType).
				Int("step", i).
				Msg("fatal step failure, run aborted")
			summary.ScriptSuccess = false
			return summary, fmt.Errorf("step %d: %s", i, res.Error)
		}
		metrics.ScriptStepFailures.Inc()
		logger.Warn().
			Str("error_type", res.ErrorType).
			Int("step", i).
			Msg("tolerable step failure, run continues")
	}

	success = allPassed
	summary.ScriptSuccess = success
	return summary, nil
}

// runStep navigates one (from, to) pair: plan, dispatch each hop, wait
// the edge's final wait, verify the target, optionally observe a zap.
func (r *Runner) runStep(ctx context.Context, sc Script, sessionID string, index int, from string, step Step) StepResult {
	started := time.Now()
	res := StepResult{Index: index, From: from, To: step.To}
	fail := func(errType string, err error) StepResult {
		res.Success = false
		res.Error = err.Error()
		res.ErrorType = errType
		res.DurationS = time.Since(started).Seconds()
		return res
	}

	treeID := step.TreeID
	if treeID == "" {
		treeID = sc.TreeID
	}
	plan, err := r.nav.FindPath(ctx, treeID, from, step.To)
	if err != nil {
		if errors.Is(err, pathfind.ErrNoPath) {
			return fail("no_path", err)
		}
		return fail(errType(err), err)
	}

	var lastCommand string
	var keyRelease time.Time
	for _, hop := range plan.Steps {
		req := proxy.BatchRequest{
			DeviceID:     sc.DeviceID,
			Actions:      toActionRequests(sc.DeviceID, hop.ActionSet.Actions),
			RetryActions: toActionRequests(sc.DeviceID, hop.ActionSet.RetryActions),
		}
		batch, err := r.dispatch.ExecuteBatch(ctx, sc.Host, sessionID, req)
		if err != nil {
			return fail(errType(err), err)
		}
		keyRelease = time.Now()
		if n := len(hop.ActionSet.Actions); n > 0 {
			lastCommand = hop.ActionSet.Actions[n-1].Command
		}
		if !batch.Success {
			return fail("action_failed", fmt.Errorf("edge %s: %d/%d actions passed",
				hop.Edge.ID, batch.PassedCount, batch.TotalCount))
		}
		if wait := hop.Edge.FinalWaitMS; wait > 0 {
			select {
			case <-ctx.Done():
				return fail("cancelled", ctx.Err())
			case <-time.After(time.Duration(wait) * time.Millisecond):
			}
		}
	}

	if len(plan.Verification) > 0 {
		vr, err := r.dispatch.ExecuteVerification(ctx, sc.Host, sessionID, proxy.VerificationRequest{
			DeviceID:      sc.DeviceID,
			Verifications: plan.Verification,
			PassCondition: plan.Target.PassCondition,
		})
		if err != nil {
			return fail(errType(err), err)
		}
		if !vr.Success {
			return fail("verification_failed", fmt.Errorf("node %s: %d/%d verifications passed",
				step.To, vr.PassedCount, vr.TotalCount))
		}
	}

	if step.ObserveZap && r.zap != nil {
		ev, err := r.zap.Observe(ctx, sc.DeviceID, lastCommand, keyRelease)
		if err != nil {
			return fail(errType(err), err)
		}
		res.Zap = &ev
		if !ev.Detected {
			return fail("zap_not_detected", fmt.Errorf("no transition within window after %q", lastCommand))
		}
	}

	res.Success = true
	res.DurationS = time.Since(started).Seconds()
	return res
}

func toActionRequests(deviceID string, actions []model.Action) []proxy.ActionRequest {
	out := make([]proxy.ActionRequest, len(actions))
	for i, a := range actions {
		out[i] = proxy.ActionRequest{Command: a.Command, Params: a.Params, DeviceID: deviceID}
	}
	return out
}

// errType extracts the control error type, defaulting to execution_error.
func errType(err error) string {
	var ce *lock.ControlError
	if errors.As(err, &ce) {
		return string(ce.Type)
	}
	return "execution_error"
}

// fatalError separates failures that end the run from ones the script
// tolerates. Losing the lease or the host means no further step can
// succeed; semantic failures leave the device usable.
func fatalError(errType string) bool {
	switch errType {
	case string(lock.ErrLeaseExpired), string(lock.ErrDeviceLocked),
		string(lock.ErrNetwork), string(lock.ErrADBConnection),
		string(lock.ErrStreamService), "cancelled":
		return true
	}
	return false
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
