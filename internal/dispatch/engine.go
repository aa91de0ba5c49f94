// Package dispatch turns running campaigns into paced sends. The Engine is
// the control-plane entry point; each running campaign gets one coordinator
// goroutine that pulls its jobs one at a time.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
	"github.com/Cypherspark/campaign-dispatch/internal/worker"
)

var ErrShuttingDown = errors.New("dispatch: engine shutting down")

// Processor runs one job; worker.Sender is the production implementation.
type Processor interface {
	Process(ctx context.Context, c *core.Campaign, j *core.Job) worker.Result
}

// Pacer decides how long a coordinator waits before dispatching a job.
type Pacer interface {
	Wait(j *core.Job, lastDispatch *time.Time, p core.Pacing, now time.Time) time.Duration
}

// Tracker ingests engagement events.
type Tracker interface {
	RecordOpen(ctx context.Context, campaignID, emailID string) bool
	RecordDelivered(ctx context.Context, campaignID, emailID string) (bool, error)
	RecordReply(ctx context.Context, campaignID, emailID string) (bool, error)
	RecordBounce(ctx context.Context, campaignID, emailID, reason string) (bool, error)
}

type Options struct {
	// MaxSleep caps one pacing sleep so a coordinator re-reads the persisted
	// status at least this often.
	MaxSleep time.Duration
	// ErrorBackoff is how long a coordinator waits after a store fault.
	ErrorBackoff time.Duration
	// SweepLimit is the page size for activation and adoption sweeps.
	SweepLimit int
	// LeaseTTL is how long a coordinator's claim on its campaign survives
	// without renewal. It must outlast one pacing sleep plus one send.
	LeaseTTL time.Duration
}

func DefaultOptions() Options {
	return Options{MaxSleep: 30 * time.Second, ErrorBackoff: 2 * time.Second, SweepLimit: 100, LeaseTTL: 2 * time.Minute}
}

type Engine struct {
	store   core.Store
	machine *core.StateMachine
	sender  Processor
	pacer   Pacer
	tracker Tracker
	opt     Options
	log     *zap.Logger
	// owner identifies this engine on campaign leases.
	owner string

	// root outlives pause and cancel so an in-flight send is recorded.
	root   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	coords map[string]*coordinator
	closed bool
	wg     sync.WaitGroup

	Now func() time.Time
}

func New(store core.Store, machine *core.StateMachine, sender Processor, pacer Pacer, tracker Tracker, opt Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if opt.MaxSleep <= 0 {
		opt.MaxSleep = DefaultOptions().MaxSleep
	}
	if opt.ErrorBackoff <= 0 {
		opt.ErrorBackoff = DefaultOptions().ErrorBackoff
	}
	if opt.SweepLimit <= 0 {
		opt.SweepLimit = DefaultOptions().SweepLimit
	}
	if opt.LeaseTTL <= 0 {
		opt.LeaseTTL = DefaultOptions().LeaseTTL
	}
	if opt.LeaseTTL < 2*opt.MaxSleep {
		opt.LeaseTTL = 2 * opt.MaxSleep
	}
	owner := uuid.NewString()
	root, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		machine: machine,
		sender:  sender,
		pacer:   pacer,
		tracker: tracker,
		opt:     opt,
		log:     log.With(zap.String("component", "dispatch"), zap.String("owner", owner)),
		owner:   owner,
		root:    root,
		cancel:  cancel,
		coords:  make(map[string]*coordinator),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func observe(op string, err error) {
	switch {
	case err == nil:
		metrics.LifecycleTotal.WithLabelValues(op, "ok").Inc()
	case core.IsLifecycleError(err):
		metrics.LifecycleTotal.WithLabelValues(op, "rejected").Inc()
	default:
		metrics.LifecycleTotal.WithLabelValues(op, "error").Inc()
	}
}

// StartCampaign creates the campaign's jobs, moves it to RUNNING and starts
// its coordinator.
func (e *Engine) StartCampaign(ctx context.Context, id string) error {
	_, err := e.machine.Start(ctx, id)
	observe("start", err)
	if err != nil {
		return err
	}
	e.log.Info("campaign started", zap.String("campaign_id", id))
	return e.launch(ctx, id, false)
}

// PauseCampaign stops the coordinator before its next pull. A send already
// in flight completes and is recorded.
func (e *Engine) PauseCampaign(ctx context.Context, id string) error {
	_, err := e.machine.Pause(ctx, id)
	observe("pause", err)
	if err != nil {
		return err
	}
	e.signal(id)
	e.log.Info("campaign paused", zap.String("campaign_id", id))
	return nil
}

// ResumeCampaign waits for the previous coordinator to exit, then starts a
// new one over the remaining jobs.
func (e *Engine) ResumeCampaign(ctx context.Context, id string) error {
	_, err := e.machine.Resume(ctx, id)
	observe("resume", err)
	if err != nil {
		return err
	}
	e.log.Info("campaign resumed", zap.String("campaign_id", id))
	return e.launch(ctx, id, true)
}

func (e *Engine) CancelCampaign(ctx context.Context, id string) error {
	_, err := e.machine.Cancel(ctx, id)
	observe("cancel", err)
	e.signal(id)
	if err != nil {
		return err
	}
	e.log.Info("campaign cancelled", zap.String("campaign_id", id))
	return nil
}

// RecordOpen never fails; see tracking.Tracker.RecordOpen.
func (e *Engine) RecordOpen(ctx context.Context, campaignID, emailID string) bool {
	return e.tracker.RecordOpen(ctx, campaignID, emailID)
}

func (e *Engine) RecordDelivered(ctx context.Context, campaignID, emailID string) (bool, error) {
	return e.tracker.RecordDelivered(ctx, campaignID, emailID)
}

func (e *Engine) RecordReply(ctx context.Context, campaignID, emailID string) (bool, error) {
	return e.tracker.RecordReply(ctx, campaignID, emailID)
}

func (e *Engine) RecordBounce(ctx context.Context, campaignID, emailID, reason string) (bool, error) {
	return e.tracker.RecordBounce(ctx, campaignID, emailID, reason)
}

// CampaignStatus returns the persisted campaign with its counters.
func (e *Engine) CampaignStatus(ctx context.Context, id string) (*core.Campaign, error) {
	return e.store.GetCampaign(ctx, id)
}

// Running reports whether this process has a coordinator for id.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.coords[id]
	return ok
}

// Wait blocks until the campaign's coordinator, if any, has exited.
func (e *Engine) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	co := e.coords[id]
	e.mu.Unlock()
	if co == nil {
		return nil
	}
	select {
	case <-co.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover adopts RUNNING campaigns whose dispatch lease is free or expired,
// typically after a restart. It returns how many coordinators it launched;
// a launched coordinator that loses the lease race exits without sending.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	n := 0
	err := e.pages(ctx, e.store.ListAdoptable, func(c *core.Campaign) error {
		if e.Running(c.ID) {
			return nil
		}
		if err := e.launch(ctx, c.ID, false); err != nil {
			return err
		}
		e.log.Info("campaign adopted", zap.String("campaign_id", c.ID))
		n++
		return nil
	})
	return n, err
}

// ActivateDue starts SCHEDULED campaigns whose start time has passed.
func (e *Engine) ActivateDue(ctx context.Context) (int, error) {
	n := 0
	err := e.pages(ctx, e.store.ListDueScheduled, func(c *core.Campaign) error {
		err := e.StartCampaign(ctx, c.ID)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrShuttingDown):
			return err
		case core.IsLifecycleError(err):
			// Raced with another starter, or the campaign is not startable.
			e.log.Warn("scheduled campaign not started", zap.String("campaign_id", c.ID), zap.Error(err))
		default:
			return err
		}
		return nil
	})
	return n, err
}

type pageFunc func(ctx context.Context, now time.Time, afterID string, limit int) ([]*core.Campaign, error)

// pages walks every page of list so campaigns that cannot be acted on never
// hide the ones behind them.
func (e *Engine) pages(ctx context.Context, list pageFunc, fn func(c *core.Campaign) error) error {
	now := e.now()
	after := ""
	for {
		page, err := list(ctx, now, after, e.opt.SweepLimit)
		if err != nil {
			return err
		}
		for _, c := range page {
			if err := fn(c); err != nil {
				return err
			}
			after = c.ID
		}
		if len(page) < e.opt.SweepLimit {
			return nil
		}
	}
}

// Shutdown stops every coordinator and waits for in-flight sends. When ctx
// expires first, outstanding sends are cancelled.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, co := range e.coords {
		co.signal()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) signal(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if co := e.coords[id]; co != nil {
		co.signal()
	}
}

// launch starts a coordinator for id. With replace set, a live coordinator
// is stopped and awaited first; otherwise a live one is kept.
func (e *Engine) launch(ctx context.Context, id string, replace bool) error {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrShuttingDown
		}
		old := e.coords[id]
		if old == nil {
			co := newCoordinator(e, id)
			e.coords[id] = co
			e.wg.Add(1)
			metrics.ActiveCoordinators.Inc()
			go co.run()
			e.mu.Unlock()
			return nil
		}
		if !replace && !old.stopping() {
			e.mu.Unlock()
			return nil
		}
		old.signal()
		e.mu.Unlock()

		select {
		case <-old.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) remove(co *coordinator) {
	e.mu.Lock()
	if e.coords[co.id] == co {
		delete(e.coords, co.id)
	}
	e.mu.Unlock()
	metrics.ActiveCoordinators.Dec()
	e.wg.Done()
}
