package script

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/navigation/pathfind"
	"github.com/angelstreet/virtualpytest/internal/zapdetect"
)

type fakeControl struct {
	takeErr     error
	takes       int
	releases    int
	lastSession string
}

func (f *fakeControl) TakeControl(ctx context.Context, host, deviceID, sessionID, userID string) error {
	f.takes++
	f.lastSession = sessionID
	return f.takeErr
}

func (f *fakeControl) ReleaseControl(ctx context.Context, host, deviceID, sessionID string) error {
	f.releases++
	return nil
}

type fakeNav struct {
	calls []string // "from->to"
	noPath map[string]bool
}

func (f *fakeNav) FindPath(ctx context.Context, treeID, from, to string) (*pathfind.Plan, error) {
	f.calls = append(f.calls, from+"->"+to)
	if f.noPath[from+"->"+to] {
		return nil, pathfind.ErrNoPath
	}
	return &pathfind.Plan{
		Steps: []pathfind.Step{{
			TreeID: treeID,
			Edge:   model.Edge{ID: "e-" + to, FinalWaitMS: 1},
			ActionSet: model.ActionSet{
				ID:      "as-fwd",
				Actions: []model.Action{{Command: "press_key", Params: map[string]any{"key": to}}},
			},
		}},
		TargetTreeID: treeID,
		Target:       model.Node{ID: to, PassCondition: model.PassAll},
		Verification: []model.Verification{{Command: "check_screen", Type: model.VerifyImage}},
	}, nil
}

type fakeDispatch struct {
	batchErr   map[int]error // by call index
	verifyFail map[int]bool
	batches    int
	verifies   int
}

func (f *fakeDispatch) ExecuteBatch(ctx context.Context, host, sessionID string, req proxy.BatchRequest) (proxy.BatchResult, error) {
	f.batches++
	if err := f.batchErr[f.batches]; err != nil {
		return proxy.BatchResult{}, err
	}
	n := len(req.Actions)
	return proxy.BatchResult{Success: true, PassedCount: n, TotalCount: n}, nil
}

func (f *fakeDispatch) ExecuteVerification(ctx context.Context, host, sessionID string, req proxy.VerificationRequest) (proxy.VerificationResponse, error) {
	f.verifies++
	if f.verifyFail[f.verifies] {
		return proxy.VerificationResponse{Success: false, TotalCount: len(req.Verifications)}, nil
	}
	n := len(req.Verifications)
	return proxy.VerificationResponse{Success: true, PassedCount: n, TotalCount: n}, nil
}

type fakeZap struct {
	detected bool
	resets   int
	observes int
	command  string
}

func (f *fakeZap) Observe(ctx context.Context, deviceID, actionCommand string, keyRelease time.Time) (zapdetect.Event, error) {
	f.observes++
	f.command = actionCommand
	return zapdetect.Event{
		DeviceID:      deviceID,
		ActionCommand: actionCommand,
		KeyReleaseTS:  keyRelease,
		Detected:      f.detected,
		Method:        zapdetect.MethodFreeze,
		DurationS:     1.5,
	}, nil
}

func (f *fakeZap) Reset() { f.resets++ }

func (f *fakeZap) Stats() zapdetect.Stats {
	return zapdetect.Stats{Iterations: f.observes, LearnedMethod: zapdetect.MethodFreeze}
}

func testScript(steps ...Step) Script {
	return Script{
		Name:     "goto_settings",
		Host:     "host1",
		DeviceID: "device1",
		UserID:   "user-7",
		TreeID:   "tree-1",
		Steps:    steps,
	}
}

func TestRunHappyPath(t *testing.T) {
	control := &fakeControl{}
	nav := &fakeNav{noPath: map[string]bool{}}
	dispatch := &fakeDispatch{}
	var out bytes.Buffer

	r := NewRunner(control, nav, dispatch, nil, &out, "http://server/reports")
	summary, err := r.Run(context.Background(), testScript(
		Step{From: "home", To: "settings"},
		Step{To: "privacy"}, // from omitted: continues from settings
	))
	require.NoError(t, err)

	assert.True(t, summary.ScriptSuccess)
	require.Len(t, summary.StepResults, 2)
	assert.True(t, summary.StepResults[0].Success)
	assert.True(t, summary.StepResults[1].Success)
	assert.Equal(t, []string{"home->settings", "settings->privacy"}, nav.calls)
	assert.Equal(t, 1, control.takes)
	assert.Equal(t, 1, control.releases)
	assert.Equal(t, 2, dispatch.verifies)
	assert.Contains(t, summary.ReportURL, summary.ResultID)

	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "SCRIPT_RESULT_ID:"+summary.ResultID))
	assert.Equal(t, 1, strings.Count(text, "SCRIPT_SUCCESS:"))
	assert.Contains(t, text, "SCRIPT_SUCCESS:true")
}

func TestPresetSessionIDIsUsed(t *testing.T) {
	control := &fakeControl{}
	nav := &fakeNav{noPath: map[string]bool{}}
	dispatch := &fakeDispatch{}

	sc := testScript(Step{From: "home", To: "settings"})
	sc.SessionID = "sess-preset"
	r := NewRunner(control, nav, dispatch, nil, nil, "")
	_, err := r.Run(context.Background(), sc)
	require.NoError(t, err)
	assert.Equal(t, "sess-preset", control.lastSession)
}

func TestTolerableFailureContinues(t *testing.T) {
	control := &fakeControl{}
	nav := &fakeNav{noPath: map[string]bool{}}
	dispatch := &fakeDispatch{verifyFail: map[int]bool{1: true}}
	var out bytes.Buffer

	r := NewRunner(control, nav, dispatch, nil, &out, "")
	summary, err := r.Run(context.Background(), testScript(
		Step{From: "home", To: "settings"},
		Step{From: "home", To: "guide"},
	))
	require.NoError(t, err, "tolerable failures do not abort the run")

	assert.False(t, summary.ScriptSuccess)
	require.Len(t, summary.StepResults, 2)
	assert.False(t, summary.StepResults[0].Success)
	assert.Equal(t, "verification_failed", summary.StepResults[0].ErrorType)
	assert.True(t, summary.StepResults[1].Success, "run continued past the failure")
	assert.Equal(t, 1, control.releases)
	assert.Contains(t, out.String(), "SCRIPT_SUCCESS:false")
}

func TestNoPathIsTolerable(t *testing.T) {
	control := &fakeControl{}
	nav := &fakeNav{noPath: map[string]bool{"home->vanished": true}}
	dispatch := &fakeDispatch{}

	r := NewRunner(control, nav, dispatch, nil, nil, "")
	summary, err := r.Run(context.Background(), testScript(
		Step{From: "home", To: "vanished"},
		Step{From: "home", To: "settings"},
	))
	require.NoError(t, err)
	assert.Equal(t, "no_path", summary.StepResults[0].ErrorType)
	assert.True(t, summary.StepResults[1].Success)
}

func TestFatalFailureAborts(t *testing.T) {
	control := &fakeControl{}
	nav := &fakeNav{noPath: map[string]bool{}}
	dispatch := &fakeDispatch{batchErr: map[int]error{
		1: &lock.ControlError{Type: lock.ErrLeaseExpired, Message: "lease expired for device1"},
	}}
	var out bytes.Buffer

	r := NewRunner(control, nav, dispatch, nil, &out, "")
	summary, err := r.Run(context.Background(), testScript(
		Step{From: "home", To: "settings"},
		Step{From: "home", To: "guide"},
	))
	require.Error(t, err)

	assert.False(t, summary.ScriptSuccess)
	require.Len(t, summary.StepResults, 1, "second step never ran")
	assert.Equal(t, "lease_expired", summary.StepResults[0].ErrorType)
	assert.Equal(t, 1, control.releases, "lease released even on abort")
	assert.Contains(t, out.String(), "SCRIPT_SUCCESS:false")
}

func TestSetupFailureReleasesNothing(t *testing.T) {
	control := &fakeControl{takeErr: &lock.ControlError{
		Type: lock.ErrDeviceLocked, Message: "locked", LockedBy: "user-9",
	}}
	var out bytes.Buffer

	r := NewRunner(control, &fakeNav{}, &fakeDispatch{}, nil, &out, "")
	_, err := r.Run(context.Background(), testScript(Step{From: "home", To: "settings"}))
	require.Error(t, err)
	assert.Zero(t, control.releases)
	assert.Contains(t, out.String(), "SCRIPT_SUCCESS:false")
}

func TestZapObservation(t *testing.T) {
	control := &fakeControl{}
	nav := &fakeNav{noPath: map[string]bool{}}
	dispatch := &fakeDispatch{}
	zap := &fakeZap{detected: true}

	r := NewRunner(control, nav, dispatch, zap, nil, "")
	summary, err := r.Run(context.Background(), testScript(
		Step{From: "home", To: "live", ObserveZap: true},
	))
	require.NoError(t, err)

	assert.Equal(t, 1, zap.resets, "setup clears zap state")
	assert.Equal(t, 1, zap.observes)
	assert.Equal(t, "press_key", zap.command, "observed with the dispatched key command")
	require.NotNil(t, summary.StepResults[0].Zap)
	assert.True(t, summary.StepResults[0].Zap.Detected)
	require.NotNil(t, summary.ZapStats)
	assert.Equal(t, zapdetect.MethodFreeze, summary.ZapStats.LearnedMethod)
}

func TestZapNotDetectedIsTolerable(t *testing.T) {
	control := &fakeControl{}
	nav := &fakeNav{noPath: map[string]bool{}}
	dispatch := &fakeDispatch{}
	zap := &fakeZap{detected: false}

	r := NewRunner(control, nav, dispatch, zap, nil, "")
	summary, err := r.Run(context.Background(), testScript(
		Step{From: "home", To: "live", ObserveZap: true},
		Step{From: "live", To: "home"},
	))
	require.NoError(t, err)
	assert.False(t, summary.ScriptSuccess)
	assert.Equal(t, "zap_not_detected", summary.StepResults[0].ErrorType)
	assert.True(t, summary.StepResults[1].Success)
}

func TestErrTypeMapping(t *testing.T) {
	assert.Equal(t, "network_error", errType(&lock.ControlError{Type: lock.ErrNetwork}))
	assert.Equal(t, "execution_error", errType(fmt.Errorf("boom")))
	assert.Equal(t, "lease_expired", errType(fmt.Errorf("wrapped: %w",
		&lock.ControlError{Type: lock.ErrLeaseExpired, Message: "gone"})))
	assert.True(t, fatalError("network_error"))
	assert.False(t, fatalError("verification_failed"))
}
