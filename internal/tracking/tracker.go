// Package tracking ingests engagement events for sent emails. Every event
// advances a SentEmail along its forward-only delivery path.
package tracking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
)

type Tracker struct {
	emails core.SentEmailStore
	log    *zap.Logger

	Now func() time.Time
}

func New(emails core.SentEmailStore, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{emails: emails, log: log.With(zap.String("component", "tracking"))}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

// RecordOpen registers one pixel fetch and reports whether the email had
// already been opened. The first open moves a sent or delivered email to
// opened; later fetches only bump OpenCount. Pending, failed and bounced
// emails are left alone. Failures are logged and never returned, since a
// tracking pixel must always render.
func (t *Tracker) RecordOpen(ctx context.Context, campaignID, emailID string) bool {
	now := t.now()
	already := false
	result := "ignored"
	_, err := t.emails.UpdateSentEmail(ctx, campaignID, emailID, func(e *core.SentEmail) error {
		switch e.Status {
		case core.EmailSent, core.EmailDelivered:
			core.Advance(e, core.EmailOpened, now)
			e.OpenCount++
			result = "first"
			return nil
		case core.EmailOpened, core.EmailReplied:
			e.OpenCount++
			e.UpdatedAt = now
			already = true
			result = "repeat"
			return nil
		default:
			return core.ErrUnchanged
		}
	})
	if err != nil {
		result = "error"
		if errors.Is(err, core.ErrNotFound) {
			result = "ignored"
			t.log.Debug("open for unknown email", zap.String("campaign_id", campaignID), zap.String("email_id", emailID))
		} else {
			t.log.Warn("record open failed", zap.String("campaign_id", campaignID), zap.String("email_id", emailID), zap.Error(err))
		}
		metrics.TrackingEvents.WithLabelValues("open", result).Inc()
		return false
	}
	metrics.TrackingEvents.WithLabelValues("open", result).Inc()
	return already
}

// RecordDelivered marks an accepted email as delivered by the receiving side.
func (t *Tracker) RecordDelivered(ctx context.Context, campaignID, emailID string) (bool, error) {
	return t.advance(ctx, "delivered", campaignID, emailID, core.EmailDelivered, "")
}

func (t *Tracker) RecordReply(ctx context.Context, campaignID, emailID string) (bool, error) {
	return t.advance(ctx, "reply", campaignID, emailID, core.EmailReplied, "")
}

// RecordBounce records an asynchronous bounce. Once the recipient has opened
// or replied, a bounce notice is stale and ignored.
func (t *Tracker) RecordBounce(ctx context.Context, campaignID, emailID, reason string) (bool, error) {
	return t.advance(ctx, "bounce", campaignID, emailID, core.EmailBounced, reason)
}

func (t *Tracker) advance(ctx context.Context, event, campaignID, emailID string, to core.EmailStatus, reason string) (bool, error) {
	now := t.now()
	applied := false
	_, err := t.emails.UpdateSentEmail(ctx, campaignID, emailID, func(e *core.SentEmail) error {
		if !core.Advance(e, to, now) {
			return core.ErrUnchanged
		}
		if reason != "" {
			e.ErrorMessage = reason
		}
		applied = true
		return nil
	})
	if err != nil {
		metrics.TrackingEvents.WithLabelValues(event, "error").Inc()
		return false, err
	}
	result := "ignored"
	if applied {
		result = "first"
		t.log.Info("delivery event recorded",
			zap.String("event", event),
			zap.String("campaign_id", campaignID),
			zap.String("email_id", emailID),
		)
	}
	metrics.TrackingEvents.WithLabelValues(event, result).Inc()
	return applied, nil
}
