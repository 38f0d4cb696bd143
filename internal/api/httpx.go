package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/angelstreet/virtualpytest/internal/control/lock"
	"github.com/angelstreet/virtualpytest/internal/control/proxy"
	"github.com/angelstreet/virtualpytest/internal/log"
	"github.com/angelstreet/virtualpytest/internal/navigation/pathfind"
	"github.com/angelstreet/virtualpytest/internal/navigation/store"
	"github.com/angelstreet/virtualpytest/internal/navigation/validate"
)

// errorBody is the structured error object every failing endpoint
// returns.
type errorBody struct {
	ErrorType         string              `json:"error_type"`
	Error             string              `json:"error"`
	LockedBy          string              `json:"locked_by,omitempty"`
	AvailableCommands map[string][]string `json:"available_commands,omitempty"`
	Suggestion        string              `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto the error taxonomy: contention and
// lookup failures keep their control error type, validation rejections
// carry the command catalog and suggestion, everything else is a plain
// execution error.
func writeError(w http.ResponseWriter, err error) {
	var ce *lock.ControlError
	if errors.As(err, &ce) {
		writeJSON(w, controlStatus(ce.Type), errorBody{
			ErrorType: string(ce.Type),
			Error:     ce.Message,
			LockedBy:  ce.LockedBy,
		})
		return
	}
	var ve *validate.Error
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, errorBody{
			ErrorType:         ve.ErrorType,
			Error:             ve.Message,
			AvailableCommands: ve.AvailableCommands,
			Suggestion:        ve.Suggestion,
		})
		return
	}
	if errors.Is(err, store.ErrTreeNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{ErrorType: "not_found", Error: err.Error()})
		return
	}
	if errors.Is(err, pathfind.ErrNoPath) {
		writeJSON(w, http.StatusNotFound, errorBody{ErrorType: "no_path", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{ErrorType: "execution_error", Error: err.Error()})
}

func controlStatus(t lock.ErrorType) int {
	switch t {
	case lock.ErrDeviceLocked:
		return http.StatusConflict
	case lock.ErrDeviceNotFound:
		return http.StatusNotFound
	case lock.ErrLeaseExpired:
		return http.StatusConflict
	case lock.ErrStreamService, lock.ErrADBConnection, lock.ErrNetwork:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Warn().Err(err).Msg("bad request body")
		writeJSON(w, http.StatusBadRequest, errorBody{ErrorType: "bad_request", Error: "invalid JSON body"})
		return false
	}
	return true
}

// session extracts the caller's session id from the request header.
func session(r *http.Request) string {
	return r.Header.Get(proxy.SessionHeader)
}
