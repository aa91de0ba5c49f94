package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

const campaignCols = `id, user_id, bot_id, name, message, recipients, pacing_interval, pacing_unit,
	status, total_emails, sent_count, failed_count, error_message,
	scheduled_at, started_at, paused_at, completed_at, cancelled_at, failed_at, last_dispatch_at,
	created_at, updated_at`

func scanCampaign(row pgx.Row) (*core.Campaign, error) {
	var (
		c            core.Campaign
		msg, rcpts   []byte
		unit, status string
	)
	err := row.Scan(&c.ID, &c.UserID, &c.BotID, &c.Name, &msg, &rcpts, &c.Pacing.Interval, &unit,
		&status, &c.TotalEmails, &c.SentCount, &c.FailedCount, &c.ErrorMessage,
		&c.ScheduledAt, &c.StartedAt, &c.PausedAt, &c.CompletedAt, &c.CancelledAt, &c.FailedAt, &c.LastDispatchAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Pacing.Unit = core.IntervalUnit(unit)
	c.Status = core.CampaignStatus(status)
	if len(msg) > 0 && string(msg) != "null" {
		c.Message = &core.Message{}
		if err := json.Unmarshal(msg, c.Message); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
	}
	if len(rcpts) > 0 {
		if err := json.Unmarshal(rcpts, &c.Recipients); err != nil {
			return nil, fmt.Errorf("decode recipients: %w", err)
		}
	}
	return &c, nil
}

func encodeCampaign(c *core.Campaign) (msg, rcpts []byte, err error) {
	if c.Message != nil {
		if msg, err = json.Marshal(c.Message); err != nil {
			return nil, nil, err
		}
	}
	rs := c.Recipients
	if rs == nil {
		rs = []core.Recipient{}
	}
	rcpts, err = json.Marshal(rs)
	return msg, rcpts, err
}

func (db *DB) CreateCampaign(ctx context.Context, c *core.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = core.CampaignDraft
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	msg, rcpts, err := encodeCampaign(c)
	if err != nil {
		return err
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO campaigns(id, user_id, bot_id, name, message, recipients, pacing_interval, pacing_unit,
			status, total_emails, sent_count, failed_count, error_message, scheduled_at, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, c.ID, c.UserID, c.BotID, c.Name, msg, rcpts, c.Pacing.Interval, string(c.Pacing.Unit),
		string(c.Status), c.TotalEmails, c.SentCount, c.FailedCount, c.ErrorMessage, c.ScheduledAt, c.CreatedAt, c.UpdatedAt)
	return err
}

func (db *DB) GetCampaign(ctx context.Context, id string) (*core.Campaign, error) {
	c, err := scanCampaign(db.Pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err, "campaign", id)
	}
	return c, nil
}

// UpdateCampaign holds the row lock for the duration of fn.
func (db *DB) UpdateCampaign(ctx context.Context, id string, fn func(c *core.Campaign) error) (*core.Campaign, error) {
	var out *core.Campaign
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := scanCampaign(tx.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err, "campaign", id)
		}
		if err := fn(c); err != nil {
			if errors.Is(err, core.ErrUnchanged) {
				out = c
				return nil
			}
			return err
		}
		msg, rcpts, err := encodeCampaign(c)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE campaigns SET
				name=$2, message=$3, recipients=$4, pacing_interval=$5, pacing_unit=$6,
				status=$7, total_emails=$8, sent_count=$9, failed_count=$10, error_message=$11,
				scheduled_at=$12, started_at=$13, paused_at=$14, completed_at=$15, cancelled_at=$16,
				failed_at=$17, last_dispatch_at=$18, updated_at=$19
			WHERE id=$1
		`, c.ID, c.Name, msg, rcpts, c.Pacing.Interval, string(c.Pacing.Unit),
			string(c.Status), c.TotalEmails, c.SentCount, c.FailedCount, c.ErrorMessage,
			c.ScheduledAt, c.StartedAt, c.PausedAt, c.CompletedAt, c.CancelledAt,
			c.FailedAt, c.LastDispatchAt, c.UpdatedAt)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) ListCampaignsByStatus(ctx context.Context, status core.CampaignStatus, limit int) ([]*core.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listCampaigns(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE status=$1 ORDER BY created_at LIMIT $2`, string(status), limit)
}

func (db *DB) listCampaigns(ctx context.Context, query string, args ...any) ([]*core.Campaign, error) {
	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) ListDueScheduled(ctx context.Context, now time.Time, afterID string, limit int) ([]*core.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listCampaigns(ctx, `
		SELECT `+campaignCols+` FROM campaigns
		WHERE status='SCHEDULED' AND scheduled_at <= $1 AND id > $2
		ORDER BY id LIMIT $3
	`, now, afterID, limit)
}

func (db *DB) ListAdoptable(ctx context.Context, now time.Time, afterID string, limit int) ([]*core.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.listCampaigns(ctx, `
		SELECT `+campaignCols+` FROM campaigns
		WHERE status='RUNNING' AND (lease_until IS NULL OR lease_until < $1) AND id > $2
		ORDER BY id LIMIT $3
	`, now, afterID, limit)
}

// AcquireLease is a single conditional UPDATE: it wins when the lease is
// free, expired, or already ours.
func (db *DB) AcquireLease(ctx context.Context, campaignID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE campaigns SET lease_owner=$2, lease_until=$3
		WHERE id=$1 AND (lease_owner IS NULL OR lease_owner=$2 OR lease_until < $4)
	`, campaignID, owner, now.Add(ttl), now)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id=$1)`, campaignID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, core.NotFound("campaign", campaignID)
	}
	return false, nil
}

func (db *DB) ReleaseLease(ctx context.Context, campaignID, owner string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE campaigns SET lease_owner=NULL, lease_until=NULL
		WHERE id=$1 AND lease_owner=$2
	`, campaignID, owner)
	return err
}
