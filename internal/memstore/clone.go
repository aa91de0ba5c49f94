package memstore

import (
	"strconv"
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

func itoa(n int) string { return strconv.Itoa(n) }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneCampaign(c *core.Campaign) *core.Campaign {
	cp := *c
	if c.Message != nil {
		m := *c.Message
		cp.Message = &m
	}
	cp.Recipients = append([]core.Recipient(nil), c.Recipients...)
	cp.ScheduledAt = cloneTime(c.ScheduledAt)
	cp.StartedAt = cloneTime(c.StartedAt)
	cp.PausedAt = cloneTime(c.PausedAt)
	cp.CompletedAt = cloneTime(c.CompletedAt)
	cp.CancelledAt = cloneTime(c.CancelledAt)
	cp.FailedAt = cloneTime(c.FailedAt)
	cp.LastDispatchAt = cloneTime(c.LastDispatchAt)
	return &cp
}

func cloneJob(j *core.Job) *core.Job {
	cp := *j
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	return &cp
}

func cloneEmail(e *core.SentEmail) *core.SentEmail {
	cp := *e
	if e.ProviderMessageID != nil {
		v := *e.ProviderMessageID
		cp.ProviderMessageID = &v
	}
	cp.SentAt = cloneTime(e.SentAt)
	cp.DeliveredAt = cloneTime(e.DeliveredAt)
	cp.OpenedAt = cloneTime(e.OpenedAt)
	cp.RepliedAt = cloneTime(e.RepliedAt)
	cp.FailedAt = cloneTime(e.FailedAt)
	cp.BouncedAt = cloneTime(e.BouncedAt)
	return &cp
}
