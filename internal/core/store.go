package core

import (
	"context"
	"errors"
	"time"
)

// ErrUnchanged may be returned from an update closure to skip the write.
// Stores translate it into a successful call that returns the current row.
var ErrUnchanged = errors.New("unchanged")

type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *Campaign) error
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	// UpdateCampaign loads the campaign under a row lock, applies fn and
	// persists the result when fn returns nil.
	UpdateCampaign(ctx context.Context, id string, fn func(c *Campaign) error) (*Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status CampaignStatus, limit int) ([]*Campaign, error)
	// ListDueScheduled pages SCHEDULED campaigns whose start time is at or
	// before now, ordered by id and starting after afterID.
	ListDueScheduled(ctx context.Context, now time.Time, afterID string, limit int) ([]*Campaign, error)
	// ListAdoptable pages RUNNING campaigns whose dispatch lease is free or
	// expired at now, ordered by id and starting after afterID.
	ListAdoptable(ctx context.Context, now time.Time, afterID string, limit int) ([]*Campaign, error)
}

// LeaseStore hands out the per-campaign dispatch lease. Only the holder may
// pull and send a campaign's jobs.
type LeaseStore interface {
	// AcquireLease takes the lease for owner until now+ttl, or extends it when
	// owner already holds it. It reports false while another owner's lease is live.
	AcquireLease(ctx context.Context, campaignID, owner string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseLease frees the lease if owner still holds it.
	ReleaseLease(ctx context.Context, campaignID, owner string) error
}

type JobStore interface {
	// EnqueueJobs inserts jobs; a job whose (campaign, seq) already exists is skipped.
	EnqueueJobs(ctx context.Context, jobs []*Job) error
	// NextJob returns the active job the campaign should attempt next: the
	// lowest seq among jobs due at now, else the earliest scheduled one.
	// It returns nil when no pending or retrying job remains.
	NextJob(ctx context.Context, campaignID string, now time.Time) (*Job, error)
	// ClaimJob moves a pending or retrying job to processing. It returns
	// ErrJobNotClaimed when the job is no longer claimable.
	ClaimJob(ctx context.Context, jobID string, now time.Time) (*Job, error)
	UpdateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, campaignID string) ([]*Job, error)
	CountActiveJobs(ctx context.Context, campaignID string) (int, error)
	// CancelJobs marks pending and retrying jobs cancelled. In-flight jobs are left alone.
	CancelJobs(ctx context.Context, campaignID string, now time.Time) (int, error)
	// RequeueProcessing hands processing jobs claimed before startedBefore
	// back to the queue: retrying when they have attempts, else pending.
	RequeueProcessing(ctx context.Context, campaignID string, startedBefore, now time.Time) (int, error)
}

type SentEmailStore interface {
	// GetOrCreateSentEmail returns the record for (CampaignID, RecipientEmail),
	// inserting e when none exists.
	GetOrCreateSentEmail(ctx context.Context, e *SentEmail) (*SentEmail, error)
	GetSentEmail(ctx context.Context, campaignID, id string) (*SentEmail, error)
	UpdateSentEmail(ctx context.Context, campaignID, id string, fn func(e *SentEmail) error) (*SentEmail, error)
	ListSentEmails(ctx context.Context, campaignID string) ([]*SentEmail, error)
}

type BotStore interface {
	GetBot(ctx context.Context, id string) (*Bot, error)
}

// QuotaResult is the outcome of one atomic increment-and-check.
type QuotaResult struct {
	Granted bool
	Used    int
}

// QuotaCounter performs the single serializable increment-and-check on a
// bot's daily counter. dayStart is the start of the current quota day; a
// counter last touched before it is treated as zero.
type QuotaCounter interface {
	Reserve(ctx context.Context, botID string, limit int, now, dayStart time.Time) (QuotaResult, error)
}

// Store is everything the engine persists.
type Store interface {
	CampaignStore
	LeaseStore
	JobStore
	SentEmailStore
	BotStore
}
