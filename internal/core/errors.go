package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidState   = errors.New("invalid_state")
	ErrPrecondition   = errors.New("precondition_failed")
	ErrQuotaExceeded  = errors.New("quota_exceeded")
	ErrBotInactive    = errors.New("bot_inactive")
	ErrTransientSend  = errors.New("transient_send_error")
	ErrPermanentSend  = errors.New("permanent_send_error")
	ErrJobNotClaimed  = errors.New("job_not_claimed")
)

// Lifecycle rejections surfaced by the control plane.
var (
	ErrAlreadyRunning     = &StateError{Op: "start", Code: "already_running"}
	ErrNotRunning         = &StateError{Op: "pause", Code: "not_running"}
	ErrNotPaused          = &StateError{Op: "resume", Code: "not_paused"}
	ErrNoMessageSelected  = &PreconditionError{Code: "no_message_selected"}
	ErrEmptyRecipientList = &PreconditionError{Code: "empty_recipient_list"}
)

// StateError rejects a lifecycle operation attempted from the wrong state.
type StateError struct {
	Op   string
	Code string
	From CampaignStatus
}

func (e *StateError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s (status %s)", e.Op, e.Code, e.From)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// Is matches another StateError with the same op and code regardless of From,
// so callers can compare against ErrNotRunning and friends.
func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	return ok && t.Op == e.Op && t.Code == e.Code
}

func invalidState(op string, from CampaignStatus) error {
	return &StateError{Op: op, Code: "invalid_state", From: from}
}

func stateErr(base *StateError, from CampaignStatus) error {
	return &StateError{Op: base.Op, Code: base.Code, From: from}
}

type PreconditionError struct {
	Code string
}

func (e *PreconditionError) Error() string { return "start: " + e.Code }

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

func (e *PreconditionError) Is(target error) bool {
	t, ok := target.(*PreconditionError)
	return ok && t.Code == e.Code
}

// NotFound wraps ErrNotFound with the kind and id that were looked up.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}
