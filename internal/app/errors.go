package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"charterdesk/api/internal/agentstream"
	"charterdesk/api/internal/engine"
	"charterdesk/api/internal/export"
	"charterdesk/api/internal/gateway"
	"charterdesk/api/internal/gitrepo"
	"charterdesk/api/internal/store"
	"charterdesk/api/internal/syncstate"
	"charterdesk/api/internal/turn"
	"charterdesk/api/internal/wizard"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// mapError translates engine and backend errors into the JSON error body.
// Anything unrecognised is reported as a 500 without leaking its text.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var transportErr *turn.TransportError
	if errors.As(err, &transportErr) {
		var statusErr *agentstream.StatusError
		if errors.As(err, &statusErr) {
			return http.StatusBadGateway, "AGENT_UNAVAILABLE", err.Error(), map[string]any{"upstreamStatus": statusErr.StatusCode}
		}
		return http.StatusBadGateway, "AGENT_UNAVAILABLE", err.Error(), nil
	}
	switch {
	case errors.Is(err, engine.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, store.ErrNotFound), errors.Is(err, gitrepo.ErrNoRepo):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, gateway.ErrTypingPaused):
		return http.StatusConflict, "TYPING_PAUSED", err.Error(), nil
	case errors.Is(err, gateway.ErrVoicePaused):
		return http.StatusConflict, "VOICE_PAUSED", err.Error(), nil
	case errors.Is(err, gateway.ErrEmptyInput):
		return http.StatusUnprocessableEntity, "EMPTY_INPUT", err.Error(), nil
	case errors.Is(err, wizard.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, wizard.ErrUnknownField):
		return http.StatusUnprocessableEntity, "UNKNOWN_FIELD", err.Error(), nil
	case errors.Is(err, syncstate.ErrTurnNotOpen), errors.Is(err, syncstate.ErrUnknownTurn):
		return http.StatusConflict, "TURN_NOT_OPEN", err.Error(), nil
	case errors.Is(err, export.ErrDraftChanged):
		return http.StatusConflict, "DRAFT_CHANGED", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
