package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically activates due SCHEDULED campaigns and adopts RUNNING
// campaigns that lost their coordinator.
type Sweeper struct {
	engine  *Engine
	cron    *cron.Cron
	log     *zap.Logger
	timeout time.Duration
}

// NewSweeper accepts a standard five-field cron spec or a descriptor such as
// "@every 30s".
func NewSweeper(e *Engine, spec string, log *zap.Logger) (*Sweeper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{
		engine:  e,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log.With(zap.String("component", "sweeper")),
		timeout: time.Minute,
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep spec %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("sweeper started", zap.Int("entries", len(s.cron.Entries())))
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass immediately.
func (s *Sweeper) Sweep(ctx context.Context) (activated, adopted int, err error) {
	activated, err = s.engine.ActivateDue(ctx)
	if err != nil {
		return activated, 0, fmt.Errorf("activate scheduled: %w", err)
	}
	adopted, err = s.engine.Recover(ctx)
	if err != nil {
		return activated, adopted, fmt.Errorf("adopt running: %w", err)
	}
	return activated, adopted, nil
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	activated, adopted, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error("sweep failed", zap.Error(err))
		return
	}
	if activated > 0 || adopted > 0 {
		s.log.Info("sweep", zap.Int("activated", activated), zap.Int("adopted", adopted))
	}
}
