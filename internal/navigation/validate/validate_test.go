package validate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelstreet/virtualpytest/internal/command"
	"github.com/angelstreet/virtualpytest/internal/navigation/model"
	"github.com/angelstreet/virtualpytest/internal/persistence/sqlite"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "cmd.db"), sqlite.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := command.NewRegistry(db)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, reg.RegisterSet(ctx, "host_vnc", command.WebSet()))
	require.NoError(t, reg.RegisterSet(ctx, "android_tv", command.RemoteSet()))
	require.NoError(t, reg.RegisterSet(ctx, "android_tv", command.ImageVerificationSet()))
	return New(reg)
}

func TestUnknownVerificationCommandRejectedWithSuggestion(t *testing.T) {
	v := newValidator(t)

	node := model.Node{ID: "home", Verifications: []model.Verification{
		{Command: "check_element_exists", Type: model.VerifyWeb,
			Params: map[string]any{"search_term": "Sauce Demo"}},
	}}

	_, err := v.Node(context.Background(), "host_vnc", node)
	require.Error(t, err)

	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "validation", verr.ErrorType)
	assert.Equal(t, "waitForElementToAppear", verr.Suggestion)
	assert.Contains(t, verr.AvailableCommands["verification_web"], "waitForElementToAppear")
}

func TestImageVerificationRequiresImagePath(t *testing.T) {
	v := newValidator(t)

	node := model.Node{ID: "home", Verifications: []model.Verification{
		{Command: "image_match", Type: model.VerifyImage,
			Params: map[string]any{"reference_name": "home_logo"}},
	}}

	_, err := v.Node(context.Background(), "android_tv", node)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "image_path")
}

func TestTextVerificationRequiresText(t *testing.T) {
	v := newValidator(t)

	node := model.Node{ID: "home", Verifications: []model.Verification{
		{Command: "text_match", Type: model.VerifyText, Params: map[string]any{}},
	}}

	_, err := v.Node(context.Background(), "android_tv", node)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "text")
}

func TestRequiresInputCommandNeedsInputValue(t *testing.T) {
	v := newValidator(t)

	edge := model.Edge{ID: "e1", DefaultActionSetID: "fwd", ActionSets: []model.ActionSet{
		{ID: "fwd", Actions: []model.Action{
			{Command: "type_text", Params: map[string]any{"text": "hello"}},
		}},
	}}

	_, err := v.Edge(context.Background(), "android_tv", edge)
	var verr *Error
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "inputValue")
}

func TestValidEdgePassesWithWarningsOnly(t *testing.T) {
	v := newValidator(t)

	edge := model.Edge{ID: "e1", DefaultActionSetID: "fwd", ActionSets: []model.ActionSet{
		{ID: "fwd", Actions: []model.Action{
			{Command: "press_key", Params: map[string]any{"key": "DOWN", "wait_time": float64(1000)}},
		}},
	}}

	res, err := v.Edge(context.Background(), "android_tv", edge)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}

func TestUnknownParamWarnsButDoesNotBlock(t *testing.T) {
	v := newValidator(t)

	edge := model.Edge{ID: "e1", DefaultActionSetID: "fwd", ActionSets: []model.ActionSet{
		{ID: "fwd", Actions: []model.Action{
			{Command: "press_key", Params: map[string]any{"key": "UP", "mystery": 1}},
		}},
	}}

	res, err := v.Edge(context.Background(), "android_tv", edge)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "mystery")
}
