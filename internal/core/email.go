package core

import "time"

// emailRank orders the forward delivery path. Statuses off the path are absent.
var emailRank = map[EmailStatus]int{
	EmailPending:   0,
	EmailSent:      1,
	EmailDelivered: 2,
	EmailOpened:    3,
	EmailReplied:   4,
}

// CanAdvance reports whether a sent email may move from one status to another.
// The forward path is pending -> sent -> delivered -> opened -> replied, and
// steps may be skipped. failed and bounced are reachable only before the
// recipient has shown any engagement and are terminal.
func CanAdvance(from, to EmailStatus) bool {
	if from == to {
		return false
	}
	switch to {
	case EmailFailed:
		return from == EmailPending
	case EmailBounced:
		return from == EmailPending || from == EmailSent || from == EmailDelivered
	}
	fr, ok := emailRank[from]
	if !ok {
		return false
	}
	tr, ok := emailRank[to]
	return ok && tr > fr
}

// Advance moves e to status to, stamping the first-reached timestamp of each
// step. It reports false and leaves e untouched when the move would regress.
func Advance(e *SentEmail, to EmailStatus, now time.Time) bool {
	if !CanAdvance(e.Status, to) {
		return false
	}
	t := now
	stamp := func(p **time.Time) {
		if *p == nil {
			*p = &t
		}
	}
	switch to {
	case EmailSent:
		stamp(&e.SentAt)
	case EmailDelivered:
		stamp(&e.DeliveredAt)
	case EmailOpened:
		stamp(&e.OpenedAt)
	case EmailReplied:
		stamp(&e.RepliedAt)
	case EmailFailed:
		stamp(&e.FailedAt)
	case EmailBounced:
		stamp(&e.BouncedAt)
	}
	e.Status = to
	e.UpdatedAt = now
	return true
}
