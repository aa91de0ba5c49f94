// Package pacing spaces the sends of one campaign by its configured interval.
package pacing

import (
	"time"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

type Scheduler struct{}

func New() *Scheduler { return &Scheduler{} }

// Plan returns n enqueue-time slots: the first at now, each following one
// interval after its predecessor.
func (s *Scheduler) Plan(now time.Time, n int, p core.Pacing) []time.Time {
	step := p.Duration()
	out := make([]time.Time, n)
	prev := now
	for i := range out {
		at := now
		if i > 0 {
			at = maxTime(now, prev.Add(step))
		}
		out[i] = at
		prev = at
	}
	return out
}

// DueAt is re-evaluated every time a job is pulled. The floor is measured
// from the campaign's last actual dispatch, so a resumed campaign does not
// burst through slots that expired while it was paused.
func (s *Scheduler) DueAt(j *core.Job, lastDispatch *time.Time, p core.Pacing) time.Time {
	due := j.ScheduledFor
	if lastDispatch != nil {
		due = maxTime(due, lastDispatch.Add(p.Duration()))
	}
	return due
}

// Wait returns how long to sleep before j may be dispatched; zero means now.
func (s *Scheduler) Wait(j *core.Job, lastDispatch *time.Time, p core.Pacing, now time.Time) time.Duration {
	d := s.DueAt(j, lastDispatch, p).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
