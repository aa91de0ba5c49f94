package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
	"github.com/Cypherspark/campaign-dispatch/internal/provider"
	"github.com/Cypherspark/campaign-dispatch/internal/quota"
	"github.com/Cypherspark/campaign-dispatch/internal/tracking"
)

type Options struct {
	MaxAttempts     int           // default when a job carries none
	Retry           RetryPolicy   // transient failure backoff
	QuotaRetryDelay time.Duration // how far a quota-deferred job is pushed out
	SendTimeout     time.Duration // per-send timeout
	ProviderQPS     float64       // sustained provider rate
	ProviderBurst   int           // burst to allow short spikes
	TrackingBaseURL string        // empty disables the open pixel
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		Retry:           DefaultRetryPolicy(),
		QuotaRetryDelay: 15 * time.Minute,
		SendTimeout:     30 * time.Second,
		ProviderQPS:     20,
		ProviderBurst:   40,
	}
}

// Reserver grants bot quota; quota.Guard is the production implementation.
type Reserver interface {
	TryReserve(ctx context.Context, botID string) (quota.Decision, error)
}

// Recorder is the slice of the campaign state machine the worker reports to.
type Recorder interface {
	RecordOutcome(ctx context.Context, id string, sent bool) (*core.Campaign, error)
	Fail(ctx context.Context, id, reason string) (*core.Campaign, error)
}

type Kind int

const (
	KindSent        Kind = iota // delivered to the transport
	KindRetry                   // transient failure, rescheduled
	KindFailed                  // terminal failure, counted
	KindDeferred                // quota exhausted, pushed out without an attempt
	KindBotInactive             // campaign-level fault, campaign failed
	KindLost                    // another worker owns the job
	KindAborted                 // context ended or bookkeeping failed before sending
)

func (k Kind) String() string {
	switch k {
	case KindSent:
		return "sent"
	case KindRetry:
		return "retry"
	case KindFailed:
		return "failed"
	case KindDeferred:
		return "deferred"
	case KindBotInactive:
		return "bot_inactive"
	case KindLost:
		return "lost"
	default:
		return "aborted"
	}
}

// Result describes what one Process call did to the job.
type Result struct {
	Kind Kind
	Job  *core.Job
	// Attempted is set when the transport was called.
	Attempted bool
	// Campaign is the campaign after the outcome was counted, when it was.
	Campaign *core.Campaign
	Err      error
}

// Sender runs one job through quota, personalization and the transport, and
// records the outcome.
type Sender struct {
	jobs      core.JobStore
	emails    core.SentEmailStore
	bots      core.BotStore
	quota     Reserver
	recorder  Recorder
	transport provider.Transport
	limiter   *rate.Limiter
	opt       Options
	log       *zap.Logger

	Now func() time.Time
}

func NewSender(store core.Store, q Reserver, rec Recorder, t provider.Transport, opt Options, log *zap.Logger) *Sender {
	if log == nil {
		log = zap.NewNop()
	}
	// Rate limiter for provider (global for this process).
	lim := rate.NewLimiter(rate.Inf, 0)
	if opt.ProviderQPS > 0 {
		burst := opt.ProviderBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opt.ProviderQPS), burst)
	}
	if opt.MaxAttempts < 1 {
		opt.MaxAttempts = 1
	}
	return &Sender{
		jobs:      store,
		emails:    store,
		bots:      store,
		quota:     q,
		recorder:  rec,
		transport: t,
		limiter:   lim,
		opt:       opt,
		log:       log.With(zap.String("component", "sender")),
	}
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Process claims job j of campaign c and drives it to its next state. It
// never returns a send failure as an error: those end up on the job and in
// the campaign counters. Result.Err carries store or quota faults only.
func (s *Sender) Process(ctx context.Context, c *core.Campaign, j *core.Job) Result {
	job, err := s.jobs.ClaimJob(ctx, j.ID, s.now())
	if errors.Is(err, core.ErrJobNotClaimed) {
		metrics.ClaimTotal.WithLabelValues("lost").Inc()
		return Result{Kind: KindLost, Job: j}
	}
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("error").Inc()
		return Result{Kind: KindAborted, Job: j, Err: fmt.Errorf("claim job: %w", err)}
	}
	metrics.ClaimTotal.WithLabelValues("ok").Inc()
	if job.MaxAttempts < 1 {
		job.MaxAttempts = s.opt.MaxAttempts
	}
	log := s.log.With(
		zap.String("campaign_id", c.ID),
		zap.String("job_id", job.ID),
		zap.Int("seq", job.Seq),
	)

	bot, err := s.bots.GetBot(ctx, c.BotID)
	if errors.Is(err, core.ErrNotFound) {
		return s.botInactive(ctx, c, job, log)
	}
	if err != nil {
		return s.release(ctx, job, 0, log, KindAborted, fmt.Errorf("load bot: %w", err))
	}

	email, err := s.emails.GetOrCreateSentEmail(ctx, &core.SentEmail{
		CampaignID:     c.ID,
		BotID:          c.BotID,
		RecipientEmail: job.Recipient.Email,
		Subject:        Personalize(subjectOf(c), job.Recipient),
		Status:         core.EmailPending,
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
	})
	if err != nil {
		return s.release(ctx, job, 0, log, KindAborted, fmt.Errorf("sent email: %w", err))
	}
	job.SentEmailID = email.ID
	if email.Status != core.EmailPending {
		// Sent by an earlier run that stopped before closing the job.
		return s.settle(ctx, c, job, email, log)
	}

	dec, err := s.quota.TryReserve(ctx, c.BotID)
	if err != nil {
		return s.release(ctx, job, 0, log, KindAborted, err)
	}
	if !dec.Granted {
		if dec.Reason == quota.ReasonBotInactive {
			return s.botInactive(ctx, c, job, log)
		}
		metrics.DeferredTotal.Inc()
		log.Info("quota exhausted; deferring",
			zap.String("bot_id", c.BotID),
			zap.Int("limit", dec.Limit),
			zap.Duration("delay", s.opt.QuotaRetryDelay),
		)
		return s.release(ctx, job, s.opt.QuotaRetryDelay, log, KindDeferred, nil)
	}

	env := provider.Envelope{
		From:        bot.FromEmail,
		Credentials: bot.Credentials,
		To:          job.Recipient.Email,
		Subject:     email.Subject,
		Body:        PersonalizeHTML(bodyOf(c), job.Recipient),
	}
	if s.opt.TrackingBaseURL != "" {
		env.Body = tracking.InjectPixel(env.Body, tracking.PixelURL(s.opt.TrackingBaseURL, c.ID, email.ID))
	}

	// Respect provider rate limit (global in this process).
	if err := s.limiter.Wait(ctx); err != nil {
		return s.release(ctx, job, 0, log, KindAborted, err)
	}

	providerID, sendErr := s.send(ctx, env)
	outcome, bounce := provider.Classify(sendErr)
	now := s.now()
	job.Attempts++

	switch outcome {
	case provider.Success:
		metrics.SendTotal.WithLabelValues("sent").Inc()
		if _, err := s.emails.UpdateSentEmail(ctx, c.ID, email.ID, func(e *core.SentEmail) error {
			if !core.Advance(e, core.EmailSent, now) {
				return core.ErrUnchanged
			}
			e.ProviderMessageID = &providerID
			return nil
		}); err != nil {
			log.Error("mark email sent failed", zap.Error(err))
		}
		res := s.finish(ctx, c, job, core.JobCompleted, "", true, log)
		res.Attempted = true
		log.Info("email sent", zap.String("provider_message_id", providerID), zap.Int("attempt", job.Attempts))
		return res

	case provider.TransientFailure:
		metrics.SendTotal.WithLabelValues("temp_fail").Inc()
		if job.Attempts < job.MaxAttempts {
			delay := s.opt.Retry.Backoff(job.Attempts)
			job.Status = core.JobRetrying
			job.ScheduledFor = now.Add(delay)
			job.ErrorMessage = sendErr.Error()
			job.StartedAt = nil
			job.UpdatedAt = now
			if err := s.jobs.UpdateJob(ctx, job); err != nil {
				return Result{Kind: KindAborted, Job: job, Attempted: true, Err: fmt.Errorf("schedule retry: %w", err)}
			}
			metrics.RetryTotal.Inc()
			log.Warn("send failed; retrying",
				zap.Int("attempt", job.Attempts),
				zap.Int("max_attempts", job.MaxAttempts),
				zap.Duration("backoff", delay),
				zap.Error(sendErr),
			)
			return Result{Kind: KindRetry, Job: job, Attempted: true}
		}
		s.failEmail(ctx, c.ID, email.ID, core.EmailFailed, sendErr.Error(), now, log)
		res := s.finish(ctx, c, job, core.JobFailed, sendErr.Error(), false, log)
		res.Attempted = true
		log.Warn("send failed; attempts exhausted", zap.Int("attempts", job.Attempts), zap.Error(sendErr))
		return res

	default:
		status := core.EmailFailed
		label := "perm_fail"
		if bounce {
			status = core.EmailBounced
			label = "bounced"
		}
		metrics.SendTotal.WithLabelValues(label).Inc()
		s.failEmail(ctx, c.ID, email.ID, status, sendErr.Error(), now, log)
		res := s.finish(ctx, c, job, core.JobFailed, sendErr.Error(), false, log)
		res.Attempted = true
		log.Warn("send rejected", zap.Bool("bounce", bounce), zap.Error(sendErr))
		return res
	}
}

func (s *Sender) send(ctx context.Context, env provider.Envelope) (string, error) {
	cctx := ctx
	if s.opt.SendTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.opt.SendTimeout)
		defer cancel()
	}
	start := time.Now()
	id, err := s.transport.Send(cctx, env)
	metrics.SendDuration.Observe(time.Since(start).Seconds())
	return id, err
}

// release hands a claimed job back to the queue without counting an attempt.
func (s *Sender) release(ctx context.Context, job *core.Job, delay time.Duration, log *zap.Logger, kind Kind, cause error) Result {
	now := s.now()
	job.Status = core.JobPending
	if job.Attempts > 0 {
		job.Status = core.JobRetrying
	}
	job.StartedAt = nil
	job.UpdatedAt = now
	if delay > 0 {
		job.ScheduledFor = now.Add(delay)
	}
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		log.Error("release job failed", zap.Error(err))
		if cause == nil {
			cause = err
		}
	}
	return Result{Kind: kind, Job: job, Err: cause}
}

func (s *Sender) botInactive(ctx context.Context, c *core.Campaign, job *core.Job, log *zap.Logger) Result {
	// Release first so the job is cancelled along with the rest of the campaign.
	res := s.release(ctx, job, 0, log, KindBotInactive, nil)
	camp, err := s.recorder.Fail(ctx, c.ID, core.ErrBotInactive.Error())
	if err != nil {
		res.Err = fmt.Errorf("fail campaign: %w", err)
		return res
	}
	log.Warn("bot inactive; campaign failed", zap.String("bot_id", c.BotID))
	res.Campaign = camp
	return res
}

// settle closes a job whose email already reached a final send state.
func (s *Sender) settle(ctx context.Context, c *core.Campaign, job *core.Job, e *core.SentEmail, log *zap.Logger) Result {
	if e.Status == core.EmailFailed || e.Status == core.EmailBounced {
		return s.finish(ctx, c, job, core.JobFailed, e.ErrorMessage, false, log)
	}
	return s.finish(ctx, c, job, core.JobCompleted, "", true, log)
}

func (s *Sender) failEmail(ctx context.Context, campaignID, emailID string, to core.EmailStatus, reason string, now time.Time, log *zap.Logger) {
	if _, err := s.emails.UpdateSentEmail(ctx, campaignID, emailID, func(e *core.SentEmail) error {
		if !core.Advance(e, to, now) {
			return core.ErrUnchanged
		}
		e.ErrorMessage = reason
		return nil
	}); err != nil {
		log.Error("mark email failed", zap.Error(err))
	}
}

// finish makes the job terminal and then counts it on the campaign, in that
// order, so the campaign can complete in the same write.
func (s *Sender) finish(ctx context.Context, c *core.Campaign, job *core.Job, status core.JobStatus, reason string, sent bool, log *zap.Logger) Result {
	now := s.now()
	t := now
	job.Status = status
	job.ErrorMessage = reason
	job.FinishedAt = &t
	job.UpdatedAt = now
	kind := KindSent
	if !sent {
		kind = KindFailed
	}
	if err := s.jobs.UpdateJob(ctx, job); err != nil {
		return Result{Kind: KindAborted, Job: job, Err: fmt.Errorf("finish job: %w", err)}
	}
	camp, err := s.recorder.RecordOutcome(ctx, c.ID, sent)
	if err != nil {
		log.Error("record outcome failed", zap.Error(err))
		return Result{Kind: kind, Job: job, Err: fmt.Errorf("record outcome: %w", err)}
	}
	return Result{Kind: kind, Job: job, Campaign: camp}
}

func subjectOf(c *core.Campaign) string {
	if c.Message == nil {
		return ""
	}
	return c.Message.Subject
}

func bodyOf(c *core.Campaign) string {
	if c.Message == nil {
		return ""
	}
	return c.Message.Body
}
