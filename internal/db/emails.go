package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

const emailCols = `id, campaign_id, bot_id, recipient_email, subject, status, provider_message_id,
	error_message, open_count, sent_at, delivered_at, opened_at, replied_at, failed_at, bounced_at,
	created_at, updated_at`

func scanEmail(row pgx.Row) (*core.SentEmail, error) {
	var (
		e      core.SentEmail
		status string
	)
	err := row.Scan(&e.ID, &e.CampaignID, &e.BotID, &e.RecipientEmail, &e.Subject, &status, &e.ProviderMessageID,
		&e.ErrorMessage, &e.OpenCount, &e.SentAt, &e.DeliveredAt, &e.OpenedAt, &e.RepliedAt, &e.FailedAt, &e.BouncedAt,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = core.EmailStatus(status)
	return &e, nil
}

// GetOrCreateSentEmail relies on the (campaign_id, lower(recipient_email))
// unique index: the insert is a no-op when a record exists.
func (db *DB) GetOrCreateSentEmail(ctx context.Context, e *core.SentEmail) (*core.SentEmail, error) {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := e.Status
	if status == "" {
		status = core.EmailPending
	}
	now := time.Now().UTC()
	created := e.CreatedAt
	if created.IsZero() {
		created = now
	}
	out, err := scanEmail(db.Pool.QueryRow(ctx, `
		INSERT INTO sent_emails(id, campaign_id, bot_id, recipient_email, subject, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (campaign_id, lower(recipient_email)) DO NOTHING
		RETURNING `+emailCols,
		id, e.CampaignID, e.BotID, e.RecipientEmail, e.Subject, string(status), created))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return scanEmail(db.Pool.QueryRow(ctx, `
		SELECT `+emailCols+` FROM sent_emails
		WHERE campaign_id=$1 AND lower(recipient_email)=lower($2)
	`, e.CampaignID, e.RecipientEmail))
}

func (db *DB) GetSentEmail(ctx context.Context, campaignID, id string) (*core.SentEmail, error) {
	e, err := scanEmail(db.Pool.QueryRow(ctx, `SELECT `+emailCols+` FROM sent_emails WHERE id=$1 AND campaign_id=$2`, id, campaignID))
	if err != nil {
		return nil, notFound(err, "sent email", id)
	}
	return e, nil
}

func (db *DB) UpdateSentEmail(ctx context.Context, campaignID, id string, fn func(e *core.SentEmail) error) (*core.SentEmail, error) {
	var out *core.SentEmail
	err := db.WithTx(ctx, func(tx pgx.Tx) error {
		e, err := scanEmail(tx.QueryRow(ctx, `SELECT `+emailCols+` FROM sent_emails WHERE id=$1 AND campaign_id=$2 FOR UPDATE`, id, campaignID))
		if err != nil {
			return notFound(err, "sent email", id)
		}
		if err := fn(e); err != nil {
			if errors.Is(err, core.ErrUnchanged) {
				out = e
				return nil
			}
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE sent_emails SET
				status=$2, provider_message_id=$3, error_message=$4, open_count=$5,
				sent_at=$6, delivered_at=$7, opened_at=$8, replied_at=$9, failed_at=$10, bounced_at=$11,
				updated_at=$12
			WHERE id=$1
		`, e.ID, string(e.Status), e.ProviderMessageID, e.ErrorMessage, e.OpenCount,
			e.SentAt, e.DeliveredAt, e.OpenedAt, e.RepliedAt, e.FailedAt, e.BouncedAt, e.UpdatedAt)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) ListSentEmails(ctx context.Context, campaignID string) ([]*core.SentEmail, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+emailCols+` FROM sent_emails WHERE campaign_id=$1 ORDER BY created_at`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.SentEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
