package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// transitions lists every legal campaign status change.
var transitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:              {CampaignScheduled, CampaignGeneratingMessages, CampaignRunning},
	CampaignScheduled:          {CampaignGeneratingMessages, CampaignRunning, CampaignCancelled},
	CampaignGeneratingMessages: {CampaignRunning, CampaignFailed},
	CampaignRunning:            {CampaignPaused, CampaignCompleted, CampaignCancelled, CampaignFailed},
	CampaignPaused:             {CampaignRunning, CampaignCompleted, CampaignCancelled, CampaignFailed},
}

// CanTransition reports whether from -> to is a legal campaign transition.
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves c to status to and stamps the matching timestamp.
func Transition(c *Campaign, to CampaignStatus, now time.Time) error {
	if !CanTransition(c.Status, to) {
		return invalidState(string(to), c.Status)
	}
	t := now
	switch to {
	case CampaignRunning:
		if c.StartedAt == nil {
			c.StartedAt = &t
		}
	case CampaignPaused:
		c.PausedAt = &t
	case CampaignCompleted:
		c.CompletedAt = &t
	case CampaignCancelled:
		c.CancelledAt = &t
	case CampaignFailed:
		c.FailedAt = &t
	}
	c.Status = to
	c.UpdatedAt = now
	return nil
}

// Planner assigns enqueue-time schedule slots to a campaign's jobs.
type Planner interface {
	Plan(now time.Time, n int, p Pacing) []time.Time
}

// StateMachine is the only writer of campaign status and counters.
type StateMachine struct {
	Campaigns   CampaignStore
	Jobs        JobStore
	Planner     Planner
	MaxAttempts int
	Now         func() time.Time
}

func (m *StateMachine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

func checkStartable(c *Campaign) error {
	switch c.Status {
	case CampaignDraft, CampaignScheduled:
	case CampaignRunning, CampaignPaused:
		return stateErr(ErrAlreadyRunning, c.Status)
	default:
		return invalidState("start", c.Status)
	}
	if c.Message == nil || (c.Message.Subject == "" && c.Message.Body == "") {
		return ErrNoMessageSelected
	}
	if len(c.Recipients) == 0 {
		return ErrEmptyRecipientList
	}
	return nil
}

// Start enqueues one job per recipient and moves the campaign to RUNNING.
// Jobs are inserted before the transition; enqueue skips existing
// (campaign, seq) pairs, so two racing starts cannot duplicate work and
// the loser is rejected with ErrAlreadyRunning.
func (m *StateMachine) Start(ctx context.Context, id string) (*Campaign, error) {
	c, err := m.Campaigns.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkStartable(c); err != nil {
		return nil, err
	}

	now := m.now()
	slots := m.Planner.Plan(now, len(c.Recipients), c.Pacing)
	jobs := make([]*Job, 0, len(c.Recipients))
	for i, r := range c.Recipients {
		jobs = append(jobs, &Job{
			ID:           uuid.NewString(),
			CampaignID:   c.ID,
			Seq:          i,
			Recipient:    r,
			Status:       JobPending,
			MaxAttempts:  m.MaxAttempts,
			ScheduledFor: slots[i],
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := m.Jobs.EnqueueJobs(ctx, jobs); err != nil {
		return nil, fmt.Errorf("enqueue jobs: %w", err)
	}

	return m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		if err := checkStartable(c); err != nil {
			return err
		}
		c.TotalEmails = len(c.Recipients)
		c.SentCount = 0
		c.FailedCount = 0
		return Transition(c, CampaignRunning, now)
	})
}

// Pause is idempotent on an already paused campaign.
func (m *StateMachine) Pause(ctx context.Context, id string) (*Campaign, error) {
	now := m.now()
	return m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		switch c.Status {
		case CampaignPaused:
			return ErrUnchanged
		case CampaignRunning:
			return Transition(c, CampaignPaused, now)
		default:
			return stateErr(ErrNotRunning, c.Status)
		}
	})
}

func (m *StateMachine) Resume(ctx context.Context, id string) (*Campaign, error) {
	now := m.now()
	return m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		if c.Status != CampaignPaused {
			return stateErr(ErrNotPaused, c.Status)
		}
		return Transition(c, CampaignRunning, now)
	})
}

// Cancel stops a campaign and cancels every job that is not already
// terminal or in flight. Cancelling a cancelled campaign is a no-op.
func (m *StateMachine) Cancel(ctx context.Context, id string) (*Campaign, error) {
	now := m.now()
	c, err := m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		switch c.Status {
		case CampaignCancelled:
			return ErrUnchanged
		case CampaignRunning, CampaignPaused, CampaignScheduled:
			return Transition(c, CampaignCancelled, now)
		default:
			return invalidState("cancel", c.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.Jobs.CancelJobs(ctx, id, now); err != nil {
		return c, fmt.Errorf("cancel jobs: %w", err)
	}
	return c, nil
}

// Fail records a campaign-level fault and cancels the remaining jobs.
func (m *StateMachine) Fail(ctx context.Context, id, reason string) (*Campaign, error) {
	now := m.now()
	c, err := m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		if c.Status.Terminal() {
			return ErrUnchanged
		}
		if err := Transition(c, CampaignFailed, now); err != nil {
			return err
		}
		c.ErrorMessage = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.Jobs.CancelJobs(ctx, id, now); err != nil {
		return c, fmt.Errorf("cancel jobs: %w", err)
	}
	return c, nil
}

func completeIfIdle(c *Campaign, active int, now time.Time) bool {
	if active > 0 || (c.Status != CampaignRunning && c.Status != CampaignPaused) {
		return false
	}
	return Transition(c, CampaignCompleted, now) == nil
}

// CompleteIfDone moves the campaign to COMPLETED once no job is pending,
// processing or retrying. It is the only way a campaign completes.
func (m *StateMachine) CompleteIfDone(ctx context.Context, id string) (bool, error) {
	active, err := m.Jobs.CountActiveJobs(ctx, id)
	if err != nil {
		return false, err
	}
	now := m.now()
	completed := false
	_, err = m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		if !completeIfIdle(c, active, now) {
			return ErrUnchanged
		}
		completed = true
		return nil
	})
	return completed, err
}

// RecordOutcome counts one terminal job outcome and completes the campaign
// in the same write when it was the last active job. The caller must have
// persisted the job's terminal status first.
func (m *StateMachine) RecordOutcome(ctx context.Context, id string, sent bool) (*Campaign, error) {
	active, err := m.Jobs.CountActiveJobs(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.now()
	return m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		if c.SentCount+c.FailedCount >= c.TotalEmails {
			return fmt.Errorf("campaign %s: outcome beyond total of %d: %w", c.ID, c.TotalEmails, ErrInvalidState)
		}
		if sent {
			c.SentCount++
		} else {
			c.FailedCount++
		}
		c.UpdatedAt = now
		completeIfIdle(c, active, now)
		return nil
	})
}

// MarkDispatched stores the time of the campaign's latest actual send.
func (m *StateMachine) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	_, err := m.Campaigns.UpdateCampaign(ctx, id, func(c *Campaign) error {
		t := at
		c.LastDispatchAt = &t
		return nil
	})
	return err
}

// IsLifecycleError reports whether err is one the control plane returns to callers.
func IsLifecycleError(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrPrecondition) || errors.Is(err, ErrNotFound)
}
