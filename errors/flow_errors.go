package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the flow engine. Stores and services return these
// (or wrap them); the API layer maps them onto the JSON envelope below.
var (
	ErrUnknownProvider        = errors.New("provider not registered")
	ErrDuplicateActiveSession = errors.New("an active linking session already exists for this user site")
	ErrSessionNotFound        = errors.New("linking session not found")
	ErrStaleState             = errors.New("session state changed concurrently")
	ErrInvalidState           = errors.New("operation not valid in the session's current state")
	ErrTokenInvalid           = errors.New("callback token unknown, consumed, or expired")
	ErrProviderUnavailable    = errors.New("provider temporarily unavailable")
)

// FlowError is the JSON error envelope returned by the flow API.
type FlowError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Error codes used on the wire.
const (
	UnknownProvider     = "unknown_provider"
	DuplicateSession    = "duplicate_active_session"
	SessionNotFound     = "session_not_found"
	StaleState          = "stale_state"
	InvalidState        = "invalid_state"
	TokenInvalid        = "token_invalid"
	ProviderUnavailable = "provider_unavailable"
	InvalidRequest      = "invalid_request"
	ServerError         = "server_error"
)

func NewUnknownProvider(providerID string) *FlowError {
	return &FlowError{
		Code:        UnknownProvider,
		Description: fmt.Sprintf("provider %q is not registered", providerID),
	}
}

func NewDuplicateSession(userSiteID string) *FlowError {
	return &FlowError{
		Code:        DuplicateSession,
		Description: fmt.Sprintf("user site %q already has an active linking session", userSiteID),
	}
}

func NewSessionNotFound(sessionID string) *FlowError {
	return &FlowError{
		Code:        SessionNotFound,
		Description: "no active linking session with this id",
		SessionID:   sessionID,
	}
}

func NewStaleState(sessionID string) *FlowError {
	return &FlowError{
		Code:        StaleState,
		Description: "the session was advanced concurrently, re-fetch before retrying",
		SessionID:   sessionID,
	}
}

func NewInvalidState(sessionID string) *FlowError {
	return &FlowError{
		Code:        InvalidState,
		Description: "the session does not accept this operation in its current state",
		SessionID:   sessionID,
	}
}

func NewTokenInvalid() *FlowError {
	return &FlowError{
		Code:        TokenInvalid,
		Description: "callback token is unknown, already consumed, or expired",
	}
}

func NewProviderUnavailable(providerID string) *FlowError {
	return &FlowError{
		Code:        ProviderUnavailable,
		Description: fmt.Sprintf("provider %q did not respond, retry later", providerID),
	}
}

func NewInvalidRequest(description string) *FlowError {
	return &FlowError{Code: InvalidRequest, Description: description}
}

func NewServerError(description string) *FlowError {
	return &FlowError{Code: ServerError, Description: description}
}
