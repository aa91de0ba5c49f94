package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/worker"
)

// coordinator pulls one campaign's jobs in order, one send in flight at a time.
type coordinator struct {
	e    *Engine
	id   string
	log  *zap.Logger
	stop chan struct{}
	once sync.Once
	done chan struct{}
}

func newCoordinator(e *Engine, id string) *coordinator {
	return &coordinator{
		e:    e,
		id:   id,
		log:  e.log.With(zap.String("campaign_id", id)),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (co *coordinator) signal() { co.once.Do(func() { close(co.stop) }) }

func (co *coordinator) stopping() bool {
	select {
	case <-co.stop:
		return true
	default:
		return false
	}
}

// sleep waits d and reports false when stopped first.
func (co *coordinator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-co.stop:
		return false
	case <-co.e.root.Done():
		return false
	case <-t.C:
		return true
	}
}

// lease takes or renews the campaign's dispatch lease. A coordinator that
// cannot hold it must stop: another process is dispatching the campaign.
func (co *coordinator) lease(ctx context.Context) bool {
	ok, err := co.e.store.AcquireLease(ctx, co.id, co.e.owner, co.e.now(), co.e.opt.LeaseTTL)
	if err != nil {
		co.log.Warn("campaign lease failed", zap.Error(err))
		return false
	}
	if !ok {
		co.log.Info("campaign leased by another dispatcher")
	}
	return ok
}

func (co *coordinator) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := co.e.store.ReleaseLease(ctx, co.id, co.e.owner); err != nil {
		co.log.Warn("release campaign lease failed", zap.Error(err))
	}
}

// requeueStale hands back jobs whose claim is older than a lease lifetime.
// Their dispatcher has lost the lease by then, so nobody is still sending them.
func (co *coordinator) requeueStale(ctx context.Context) int {
	now := co.e.now()
	n, err := co.e.store.RequeueProcessing(ctx, co.id, now.Add(-co.e.opt.LeaseTTL), now)
	if err != nil {
		co.log.Warn("requeue stale jobs failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		co.log.Info("requeued stale jobs", zap.Int("count", n))
	}
	return n
}

func (co *coordinator) run() {
	held := false
	defer func() {
		// The lease goes before done closes: a replacement coordinator of
		// this engine shares the owner id and must not lose its fresh lease.
		if held {
			co.release()
		}
		co.e.remove(co)
		close(co.done)
	}()
	ctx := co.e.root

	if held = co.lease(ctx); !held {
		return
	}
	co.requeueStale(ctx)

	for {
		if co.stopping() || ctx.Err() != nil {
			return
		}
		if !co.lease(ctx) {
			return
		}

		c, err := co.e.store.GetCampaign(ctx, co.id)
		if err != nil {
			co.log.Error("load campaign failed", zap.Error(err))
			if !co.sleep(co.e.opt.ErrorBackoff) {
				return
			}
			continue
		}
		if c.Status != core.CampaignRunning {
			co.log.Debug("coordinator exiting", zap.String("status", string(c.Status)))
			return
		}

		now := co.e.now()
		job, err := co.e.store.NextJob(ctx, co.id, now)
		if err != nil {
			co.log.Error("next job failed", zap.Error(err))
			if !co.sleep(co.e.opt.ErrorBackoff) {
				return
			}
			continue
		}
		if job == nil {
			if co.requeueStale(ctx) > 0 {
				continue
			}
			completed, err := co.e.machine.CompleteIfDone(ctx, co.id)
			if err != nil {
				co.log.Error("complete campaign failed", zap.Error(err))
				return
			}
			if completed {
				co.log.Info("campaign completed")
				return
			}
			// A job claimed under an earlier lease is still processing; wait
			// for it to finish or go stale.
			if !co.sleep(co.e.opt.MaxSleep) {
				return
			}
			continue
		}

		if wait := co.e.pacer.Wait(job, c.LastDispatchAt, c.Pacing, now); wait > 0 {
			if !co.sleep(minDuration(wait, co.e.opt.MaxSleep)) {
				return
			}
			continue
		}

		dispatchedAt := co.e.now()
		res := co.e.sender.Process(ctx, c, job)
		if res.Attempted {
			if err := co.e.machine.MarkDispatched(ctx, co.id, dispatchedAt); err != nil {
				co.log.Warn("mark dispatched failed", zap.Error(err))
			}
		}
		if res.Err != nil {
			co.log.Error("process job failed", zap.String("job_id", job.ID), zap.String("result", res.Kind.String()), zap.Error(res.Err))
		}

		switch res.Kind {
		case worker.KindBotInactive:
			return
		case worker.KindAborted:
			if !co.sleep(co.e.opt.ErrorBackoff) {
				return
			}
		}
		if res.Campaign != nil && res.Campaign.Status.Terminal() {
			if res.Campaign.Status == core.CampaignCompleted {
				co.log.Info("campaign completed",
					zap.Int("sent", res.Campaign.SentCount),
					zap.Int("failed", res.Campaign.FailedCount),
				)
			}
			return
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
