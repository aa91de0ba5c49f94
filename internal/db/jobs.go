package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

const jobCols = `id, campaign_id, seq, recipient, status, attempts, max_attempts, scheduled_for,
	error_message, sent_email_id, created_at, updated_at, started_at, finished_at`

func scanJob(row pgx.Row) (*core.Job, error) {
	var (
		j      core.Job
		rcpt   []byte
		status string
	)
	err := row.Scan(&j.ID, &j.CampaignID, &j.Seq, &rcpt, &status, &j.Attempts, &j.MaxAttempts, &j.ScheduledFor,
		&j.ErrorMessage, &j.SentEmailID, &j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = core.JobStatus(status)
	if err := json.Unmarshal(rcpt, &j.Recipient); err != nil {
		return nil, fmt.Errorf("decode recipient: %w", err)
	}
	return &j, nil
}

// EnqueueJobs inserts in one batch; (campaign_id, seq) conflicts are skipped.
func (db *DB) EnqueueJobs(ctx context.Context, jobs []*core.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, j := range jobs {
		rcpt, err := json.Marshal(j.Recipient)
		if err != nil {
			return err
		}
		b.Queue(`
			INSERT INTO campaign_jobs(id, campaign_id, seq, recipient, status, attempts, max_attempts,
				scheduled_for, created_at, updated_at)
			VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (campaign_id, seq) DO NOTHING
		`, j.ID, j.CampaignID, j.Seq, rcpt, string(j.Status), j.Attempts, j.MaxAttempts,
			j.ScheduledFor, j.CreatedAt, j.UpdatedAt)
	}
	return db.WithTx(ctx, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, b).Close()
	})
}

// NextJob prefers the lowest seq among due jobs and otherwise the earliest
// scheduled one.
func (db *DB) NextJob(ctx context.Context, campaignID string, now time.Time) (*core.Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `
		SELECT `+jobCols+` FROM campaign_jobs
		WHERE campaign_id=$1 AND status IN ('pending','retrying')
		ORDER BY (scheduled_for <= $2) DESC,
			CASE WHEN scheduled_for <= $2 THEN seq END,
			scheduled_for, seq
		LIMIT 1
	`, campaignID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ClaimJob flips one job to processing. SKIP LOCKED lets a racing claimer
// fail fast instead of queueing behind the winner.
func (db *DB) ClaimJob(ctx context.Context, jobID string, now time.Time) (*core.Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `
		UPDATE campaign_jobs SET status='processing', started_at=$2, updated_at=$2
		WHERE id IN (
			SELECT id FROM campaign_jobs
			WHERE id=$1 AND status IN ('pending','retrying')
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobCols, jobID, now))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM campaign_jobs WHERE id=$1)`, jobID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, core.NotFound("job", jobID)
	}
	return nil, core.ErrJobNotClaimed
}

func (db *DB) UpdateJob(ctx context.Context, j *core.Job) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE campaign_jobs SET
			status=$2, attempts=$3, max_attempts=$4, scheduled_for=$5, error_message=$6,
			sent_email_id=$7, updated_at=$8, started_at=$9, finished_at=$10
		WHERE id=$1
	`, j.ID, string(j.Status), j.Attempts, j.MaxAttempts, j.ScheduledFor, j.ErrorMessage,
		j.SentEmailID, j.UpdatedAt, j.StartedAt, j.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return core.NotFound("job", j.ID)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	j, err := scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobCols+` FROM campaign_jobs WHERE id=$1`, jobID))
	if err != nil {
		return nil, notFound(err, "job", jobID)
	}
	return j, nil
}

func (db *DB) ListJobs(ctx context.Context, campaignID string) ([]*core.Job, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+jobCols+` FROM campaign_jobs WHERE campaign_id=$1 ORDER BY seq`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (db *DB) CountActiveJobs(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM campaign_jobs
		WHERE campaign_id=$1 AND status IN ('pending','processing','retrying')
	`, campaignID).Scan(&n)
	return n, err
}

func (db *DB) CancelJobs(ctx context.Context, campaignID string, now time.Time) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE campaign_jobs SET status='cancelled', finished_at=$2, updated_at=$2
		WHERE campaign_id=$1 AND status IN ('pending','retrying')
	`, campaignID, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (db *DB) RequeueProcessing(ctx context.Context, campaignID string, startedBefore, now time.Time) (int, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE campaign_jobs SET
			status=CASE WHEN attempts > 0 THEN 'retrying' ELSE 'pending' END,
			started_at=NULL, updated_at=$3
		WHERE campaign_id=$1 AND status='processing'
			AND (started_at IS NULL OR started_at < $2)
	`, campaignID, startedBefore, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
