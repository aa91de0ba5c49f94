package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

const botCols = `id, user_id, name, from_email, smtp_host, smtp_port, smtp_username, smtp_password,
	subscription_tier, is_active, daily_email_count, last_email_sent_at`

func (db *DB) GetBot(ctx context.Context, id string) (*core.Bot, error) {
	var b core.Bot
	err := db.Pool.QueryRow(ctx, `SELECT `+botCols+` FROM bots WHERE id=$1`, id).Scan(
		&b.ID, &b.UserID, &b.Name, &b.FromEmail,
		&b.Credentials.Host, &b.Credentials.Port, &b.Credentials.Username, &b.Credentials.Password,
		&b.SubscriptionTier, &b.IsActive, &b.DailyEmailCount, &b.LastEmailSentAt)
	if err != nil {
		return nil, notFound(err, "bot", id)
	}
	return &b, nil
}

// PutBot upserts a bot. Bot management lives elsewhere; this seeds local
// and test databases.
func (db *DB) PutBot(ctx context.Context, b *core.Bot) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO bots(id, user_id, name, from_email, smtp_host, smtp_port, smtp_username, smtp_password,
			subscription_tier, is_active, daily_email_count, last_email_sent_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			user_id=EXCLUDED.user_id, name=EXCLUDED.name, from_email=EXCLUDED.from_email,
			smtp_host=EXCLUDED.smtp_host, smtp_port=EXCLUDED.smtp_port,
			smtp_username=EXCLUDED.smtp_username, smtp_password=EXCLUDED.smtp_password,
			subscription_tier=EXCLUDED.subscription_tier, is_active=EXCLUDED.is_active,
			daily_email_count=EXCLUDED.daily_email_count, last_email_sent_at=EXCLUDED.last_email_sent_at
	`, b.ID, b.UserID, b.Name, b.FromEmail, b.Credentials.Host, b.Credentials.Port,
		b.Credentials.Username, b.Credentials.Password, b.SubscriptionTier, b.IsActive,
		b.DailyEmailCount, b.LastEmailSentAt)
	return err
}

// Reserve is one conditional UPDATE: the row lock serializes reservers and
// the WHERE clause is re-checked after the lock, so the limit cannot be
// overshot. A count last touched before dayStart is treated as zero.
func (db *DB) Reserve(ctx context.Context, botID string, limit int, now, dayStart time.Time) (core.QuotaResult, error) {
	var used int
	err := db.Pool.QueryRow(ctx, `
		UPDATE bots SET
			daily_email_count = CASE
				WHEN last_email_sent_at IS NULL OR last_email_sent_at < $3 THEN 1
				ELSE daily_email_count + 1
			END,
			last_email_sent_at = $2
		WHERE id=$1 AND is_active
		  AND (CASE
				WHEN last_email_sent_at IS NULL OR last_email_sent_at < $3 THEN 0
				ELSE daily_email_count
			END) < $4
		RETURNING daily_email_count
	`, botID, now, dayStart, limit).Scan(&used)
	if err == nil {
		return core.QuotaResult{Granted: true, Used: used}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return core.QuotaResult{}, err
	}

	var (
		active bool
		last   *time.Time
	)
	err = db.Pool.QueryRow(ctx, `SELECT is_active, daily_email_count, last_email_sent_at FROM bots WHERE id=$1`, botID).
		Scan(&active, &used, &last)
	if err != nil {
		return core.QuotaResult{}, notFound(err, "bot", botID)
	}
	if !active {
		return core.QuotaResult{}, core.ErrBotInactive
	}
	if last == nil || last.Before(dayStart) {
		used = 0
	}
	return core.QuotaResult{Used: used}, nil
}
