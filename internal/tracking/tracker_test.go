package tracking_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/memstore"
	"github.com/Cypherspark/campaign-dispatch/internal/tracking"
)

func seedEmail(t *testing.T, s *memstore.Store, status core.EmailStatus) *core.SentEmail {
	t.Helper()
	e, err := s.GetOrCreateSentEmail(context.Background(), &core.SentEmail{
		CampaignID:     "c1",
		BotID:          "bot-1",
		RecipientEmail: "ann@example.com",
		Subject:        "hi",
	})
	require.NoError(t, err)
	if status != core.EmailPending {
		e, err = s.UpdateSentEmail(context.Background(), "c1", e.ID, func(e *core.SentEmail) error {
			require.True(t, core.Advance(e, status, time.Now()))
			return nil
		})
		require.NoError(t, err)
	}
	return e
}

func TestRecordOpen_FirstThenRepeat(t *testing.T) {
	s := memstore.New()
	e := seedEmail(t, s, core.EmailSent)
	tr := tracking.New(s, nil)
	t0 := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }
	ctx := context.Background()

	require.False(t, tr.RecordOpen(ctx, "c1", e.ID))
	tr.Now = func() time.Time { return t0.Add(time.Hour) }
	require.True(t, tr.RecordOpen(ctx, "c1", e.ID))

	got, err := s.GetSentEmail(ctx, "c1", e.ID)
	require.NoError(t, err)
	require.Equal(t, core.EmailOpened, got.Status)
	require.Equal(t, 2, got.OpenCount)
	require.True(t, t0.Equal(*got.OpenedAt), "opened_at is set once")
}

func TestRecordOpen_IgnoresPendingAndUnknown(t *testing.T) {
	s := memstore.New()
	e := seedEmail(t, s, core.EmailPending)
	tr := tracking.New(s, nil)
	ctx := context.Background()

	require.False(t, tr.RecordOpen(ctx, "c1", e.ID))
	got, _ := s.GetSentEmail(ctx, "c1", e.ID)
	require.Equal(t, core.EmailPending, got.Status)
	require.Zero(t, got.OpenCount)

	require.False(t, tr.RecordOpen(ctx, "c1", "nope"))
	require.False(t, tr.RecordOpen(ctx, "other-campaign", e.ID))
}

func TestRecordOpen_AfterReplyKeepsStatus(t *testing.T) {
	s := memstore.New()
	e := seedEmail(t, s, core.EmailReplied)
	tr := tracking.New(s, nil)

	require.True(t, tr.RecordOpen(context.Background(), "c1", e.ID))
	got, _ := s.GetSentEmail(context.Background(), "c1", e.ID)
	require.Equal(t, core.EmailReplied, got.Status)
	require.Equal(t, 1, got.OpenCount)
}

func TestWebhookEvents(t *testing.T) {
	s := memstore.New()
	e := seedEmail(t, s, core.EmailSent)
	tr := tracking.New(s, nil)
	ctx := context.Background()

	ok, err := tr.RecordDelivered(ctx, "c1", e.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.RecordDelivered(ctx, "c1", e.ID)
	require.NoError(t, err)
	require.False(t, ok, "duplicate delivery is a no-op")

	ok, err = tr.RecordReply(ctx, "c1", e.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// a bounce after engagement is stale
	ok, err = tr.RecordBounce(ctx, "c1", e.ID, "550 user unknown")
	require.NoError(t, err)
	require.False(t, ok)

	got, _ := s.GetSentEmail(ctx, "c1", e.ID)
	require.Equal(t, core.EmailReplied, got.Status)
	require.NotNil(t, got.DeliveredAt)
	require.NotNil(t, got.RepliedAt)
	require.Nil(t, got.BouncedAt)

	_, err = tr.RecordReply(ctx, "c1", "missing")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestRecordBounce(t *testing.T) {
	s := memstore.New()
	e := seedEmail(t, s, core.EmailSent)
	tr := tracking.New(s, nil)

	ok, err := tr.RecordBounce(context.Background(), "c1", e.ID, "mailbox full")
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := s.GetSentEmail(context.Background(), "c1", e.ID)
	require.Equal(t, core.EmailBounced, got.Status)
	require.Equal(t, "mailbox full", got.ErrorMessage)
	require.False(t, tr.RecordOpen(context.Background(), "c1", e.ID))
}
