package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

// Envelope is one personalized email ready for the wire.
type Envelope struct {
	From        string
	Credentials core.Credentials
	To          string
	Subject     string
	Body        string
}

type Transport interface {
	Send(ctx context.Context, env Envelope) (providerMsgID string, err error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) (string, error)

func (f TransportFunc) Send(ctx context.Context, env Envelope) (string, error) { return f(ctx, env) }

type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient"
	default:
		return "permanent"
	}
}

// SendError is a classified transport failure.
type SendError struct {
	Permanent bool
	// Bounce marks a hard bounce signalled by the receiving server.
	Bounce bool
	Code   int
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s send failure (%d): %s", kind, e.Code, msg)
	}
	return fmt.Sprintf("%s send failure: %s", kind, msg)
}

func (e *SendError) Unwrap() []error {
	base := core.ErrTransientSend
	if e.Permanent {
		base = core.ErrPermanentSend
	}
	if e.Err == nil {
		return []error{base}
	}
	return []error{base, e.Err}
}

func Transient(reason string) error { return &SendError{Reason: reason} }

func Permanent(reason string) error { return &SendError{Permanent: true, Reason: reason} }

func HardBounce(code int, reason string) error {
	return &SendError{Permanent: true, Bounce: true, Code: code, Reason: reason}
}

// Classify decides how the worker treats a send result. Anything not
// explicitly permanent is retried: timeouts, open breakers, network errors
// and unknown failures are all transient.
func Classify(err error) (Outcome, bool) {
	if err == nil {
		return Success, false
	}
	var se *SendError
	if errors.As(err, &se) {
		if se.Permanent {
			return PermanentFailure, se.Bounce
		}
		return TransientFailure, false
	}
	if errors.Is(err, core.ErrPermanentSend) {
		return PermanentFailure, false
	}
	return TransientFailure, false
}
