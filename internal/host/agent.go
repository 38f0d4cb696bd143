// Package host implements the host agent: the per-machine service that
// executes device commands over their transports (remote, adb, web, ir),
// runs on-device verifications and answers capture queries.
package host

import (
	"context"
	"fmt"
	"time"

	"github.com/angelstreet/virtualpytest/internal/capture"
	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

// Executor runs commands of one transport kind against a device.
type Executor interface {
	Execute(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult
}

// Agent owns one host's devices, executors and capture folders.
type Agent struct {
	name      string
	registry  *command.Registry
	captures  *capture.Service
	verifier  *Verifier
	models    map[string]string // device id -> device model
	executors map[command.Kind]Executor
	sleep     func(ctx context.Context, d time.Duration)
}

// NewAgent builds an agent. Executors are registered explicitly per
// transport kind before serving.
func NewAgent(name string, registry *command.Registry, captures *capture.Service, verifier *Verifier, models map[string]string) *Agent {
	return &Agent{
		name:      name,
		registry:  registry,
		captures:  captures,
		verifier:  verifier,
		models:    models,
		executors: map[command.Kind]Executor{},
		sleep:     sleepCtx,
	}
}

// RegisterExecutor binds one transport kind to its executor.
func (a *Agent) RegisterExecutor(kind command.Kind, ex Executor) {
	a.executors[kind] = ex
}

// ExecuteAction routes one command to the executor owning its transport.
func (a *Agent) ExecuteAction(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult {
	started := time.Now()
	res := a.execute(ctx, deviceID, req)
	res.Command = req.Command
	res.DurationMS = time.Since(started).Milliseconds()

	logger := log.WithComponentFromContext(ctx, "host")
	logger.Debug().
		Str(log.FieldDeviceID, deviceID).
		Str("command", req.Command).
		Bool("success", res.Success).
		Msg("action executed")
	return res
}

func (a *Agent) execute(ctx context.Context, deviceID string, req proxy.ActionRequest) proxy.ActionResult {
	model, ok := a.models[deviceID]
	if !ok {
		return failure(fmt.Sprintf("unknown device %q on host %s", deviceID, a.name))
	}
	spec, ok, err := a.registry.Lookup(ctx, model, req.Command)
	if err != nil {
		return failure(fmt.Sprintf("command lookup: %v", err))
	}
	if !ok {
		return failure(fmt.Sprintf("command %q not available on model %s", req.Command, model))
	}
	ex, ok := a.executors[spec.Kind]
	if !ok {
		return failure(fmt.Sprintf("no executor registered for transport %s", spec.Kind))
	}
	return ex.Execute(ctx, deviceID, req)
}

// ExecuteBatch runs the action list in order. When some action fails and
// the request carries retry actions, the retry sequence runs once as a
// recovery and the failed actions are attempted a second time.
func (a *Agent) ExecuteBatch(ctx context.Context, req proxy.BatchRequest) proxy.BatchResult {
	results := make([]proxy.ActionResult, len(req.Actions))
	var failed []int
	for i, action := range req.Actions {
		results[i] = a.ExecuteAction(ctx, req.DeviceID, action)
		if !results[i].Success {
			failed = append(failed, i)
		}
		if i < len(req.Actions)-1 {
			a.sleep(ctx, actionWait(action))
		}
	}

	if len(failed) > 0 && len(req.RetryActions) > 0 {
		for _, retry := range req.RetryActions {
			a.ExecuteAction(ctx, req.DeviceID, retry)
			a.sleep(ctx, actionWait(retry))
		}
		for _, i := range failed {
			results[i] = a.ExecuteAction(ctx, req.DeviceID, req.Actions[i])
		}
	}

	out := proxy.BatchResult{Results: results, TotalCount: len(results)}
	for _, r := range results {
		if r.Success {
			out.PassedCount++
		}
	}
	out.Success = out.PassedCount == out.TotalCount
	return out
}

// actionWait is the settle pause after one batched action. An explicit
// wait_time in the action's params wins, even zero; otherwise the
// command's baseline wait applies.
func actionWait(req proxy.ActionRequest) time.Duration {
	if _, ok := req.Params["wait_time"]; ok {
		return (model.Action{Command: req.Command, Params: req.Params}).WaitTime()
	}
	return time.Duration(command.DefaultWaitMS(req.Command)) * time.Millisecond
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func failure(msg string) proxy.ActionResult {
	return proxy.ActionResult{Success: false, Error: msg}
}
