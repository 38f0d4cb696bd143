// Package validate rejects malformed verification and action commands at
// write time, before they reach the graph store.
package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
)

// Error is the structured rejection returned to writers. It enumerates the
// commands available on the device model, grouped by category, and offers
// a typo suggestion when the unknown name is close to a known one.
type Error struct {
	ErrorType         string              `json:"error_type"`
	Message           string              `json:"error"`
	AvailableCommands map[string][]string `json:"available_commands,omitempty"`
	Suggestion        string              `json:"suggestion,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Result carries non-blocking warnings from an accepted write.
type Result struct {
	Warnings []string `json:"warnings,omitempty"`
}

// Validator checks node verifications and edge action sets against the
// command registry of the tree's device model.
type Validator struct {
	reg *command.Registry
}

// New builds a validator over the registry.
func New(reg *command.Registry) *Validator {
	return &Validator{reg: reg}
}

// Node validates every verification attached to a node.
func (v *Validator) Node(ctx context.Context, deviceModel string, node model.Node) (Result, error) {
	var res Result
	for _, vf := range node.Verifications {
		r, err := v.verification(ctx, deviceModel, vf)
		if err != nil {
			return Result{}, err
		}
		res.Warnings = append(res.Warnings, r.Warnings...)
	}
	return res, nil
}

// Edge validates every action of every action set on an edge.
func (v *Validator) Edge(ctx context.Context, deviceModel string, edge model.Edge) (Result, error) {
	var res Result
	for _, as := range edge.ActionSets {
		for _, lists := range [][]model.Action{as.Actions, as.RetryActions, as.FailureActions} {
			for _, a := range lists {
				r, err := v.action(ctx, deviceModel, a)
				if err != nil {
					return Result{}, err
				}
				res.Warnings = append(res.Warnings, r.Warnings...)
			}
		}
	}
	return res, nil
}

func (v *Validator) action(ctx context.Context, deviceModel string, a model.Action) (Result, error) {
	spec, err := v.lookup(ctx, deviceModel, a.Command, "")
	if err != nil {
		return Result{}, err
	}
	return v.checkParams(ctx, deviceModel, spec, a.Command, a.Params)
}

func (v *Validator) verification(ctx context.Context, deviceModel string, vf model.Verification) (Result, error) {
	spec, err := v.lookup(ctx, deviceModel, vf.Command, categoryFor(vf.Type))
	if err != nil {
		return Result{}, err
	}

	switch vf.Type {
	case model.VerifyImage:
		if _, ok := vf.Params["image_path"]; !ok {
			return Result{}, &Error{
				ErrorType: "validation",
				Message:   fmt.Sprintf("image verification %q requires params.image_path", vf.Command),
			}
		}
	case model.VerifyText:
		if _, ok := vf.Params["text"]; !ok {
			return Result{}, &Error{
				ErrorType: "validation",
				Message:   fmt.Sprintf("text verification %q requires params.text", vf.Command),
			}
		}
	}

	return v.checkParams(ctx, deviceModel, spec, vf.Command, vf.Params)
}

// lookup resolves the command spec or builds the structured rejection.
func (v *Validator) lookup(ctx context.Context, deviceModel, name, category string) (command.Spec, error) {
	if strings.TrimSpace(name) == "" {
		return command.Spec{}, &Error{ErrorType: "validation", Message: "command name must not be empty"}
	}
	spec, found, err := v.reg.Lookup(ctx, deviceModel, name)
	if err != nil {
		return command.Spec{}, fmt.Errorf("command lookup: %w", err)
	}
	if found {
		return spec, nil
	}

	val, err := v.reg.ValidateParams(ctx, deviceModel, name, nil, category)
	if err != nil {
		return command.Spec{}, fmt.Errorf("command validation: %w", err)
	}
	specs, err := v.reg.List(ctx, deviceModel)
	if err != nil {
		return command.Spec{}, fmt.Errorf("command list: %w", err)
	}
	return command.Spec{}, &Error{
		ErrorType:         "validation",
		Message:           fmt.Sprintf("unknown command %q for device model %q", name, deviceModel),
		AvailableCommands: command.GroupByCategory(specs),
		Suggestion:        val.Suggestion,
	}
}

func (v *Validator) checkParams(ctx context.Context, deviceModel string, spec command.Spec, name string, params map[string]any) (Result, error) {
	if spec.RequiresInput {
		if _, ok := params["inputValue"]; !ok {
			return Result{}, &Error{
				ErrorType: "validation",
				Message:   fmt.Sprintf("command %q requires inputValue", name),
			}
		}
	}

	val, err := v.reg.ValidateParams(ctx, deviceModel, name, params, spec.Category)
	if err != nil {
		return Result{}, fmt.Errorf("param validation: %w", err)
	}
	if len(val.Missing) > 0 {
		return Result{}, &Error{
			ErrorType: "validation",
			Message:   fmt.Sprintf("command %q missing required params: %s", name, strings.Join(val.Missing, ", ")),
		}
	}
	// Unknown and unset optional params warn but never block the write.
	var warnings []string
	warnings = append(warnings, val.Warnings...)
	for _, u := range val.Unknown {
		warnings = append(warnings, fmt.Sprintf("command %q: unknown param %q", name, u))
	}
	return Result{Warnings: warnings}, nil
}

func categoryFor(t model.VerificationType) string {
	switch t {
	case model.VerifyImage:
		return "verification_image"
	case model.VerifyText:
		return "verification_text"
	case model.VerifyWeb:
		return "verification_web"
	case model.VerifyADB:
		return "verification_adb"
	default:
		return ""
	}
}
