package db_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	database "github.com/Cypherspark/campaign-dispatch/internal/db"
	"github.com/Cypherspark/campaign-dispatch/internal/pacing"
)

func startDB(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in -short mode")
	}
	return database.StartTestPostgres(t)
}

func seed(t *testing.T, db *database.DB, n int) *core.Campaign {
	t.Helper()
	ctx := context.Background()
	botID := "bot-" + uuid.NewString()[:8]
	require.NoError(t, db.PutBot(ctx, &core.Bot{ID: botID, FromEmail: "bot@sender.test", IsActive: true, SubscriptionTier: "free"}))

	c := &core.Campaign{
		BotID:   botID,
		Name:    "pg",
		Message: &core.Message{Subject: "Hi {{first_name}}", Body: "Hello"},
		Pacing:  core.Pacing{Interval: 5, Unit: core.UnitSeconds},
	}
	for i := 0; i < n; i++ {
		c.Recipients = append(c.Recipients, core.Recipient{Email: fmt.Sprintf("r%d@example.com", i), Name: "R"})
	}
	require.NoError(t, db.CreateCampaign(ctx, c))
	return c
}

func TestCampaignRoundTrip(t *testing.T) {
	db := startDB(t)
	ctx := context.Background()
	c := seed(t, db, 2)

	got, err := db.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignDraft, got.Status)
	require.Equal(t, "Hi {{first_name}}", got.Message.Subject)
	require.Len(t, got.Recipients, 2)
	require.Equal(t, core.UnitSeconds, got.Pacing.Unit)

	_, err = db.GetCampaign(ctx, "missing")
	require.ErrorIs(t, err, core.ErrNotFound)

	same, err := db.UpdateCampaign(ctx, c.ID, func(c *core.Campaign) error {
		c.Name = "ignored"
		return core.ErrUnchanged
	})
	require.NoError(t, err)
	require.Equal(t, "pg", same.Name)

	now := time.Now().UTC()
	_, err = db.UpdateCampaign(ctx, c.ID, func(c *core.Campaign) error {
		c.TotalEmails = 2
		return core.Transition(c, core.CampaignRunning, now)
	})
	require.NoError(t, err)
	running, err := db.ListCampaignsByStatus(ctx, core.CampaignRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.NotNil(t, running[0].StartedAt)

	// the counters check constraint backs the in-process bound
	_, err = db.UpdateCampaign(ctx, c.ID, func(c *core.Campaign) error {
		c.SentCount = 3
		return nil
	})
	require.Error(t, err)
}

func TestStateMachineOnPostgres(t *testing.T) {
	db := startDB(t)
	ctx := context.Background()
	c := seed(t, db, 3)
	m := &core.StateMachine{Campaigns: db, Jobs: db, Planner: pacing.New(), MaxAttempts: 3}

	started, err := m.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, core.CampaignRunning, started.Status)
	require.Equal(t, 3, started.TotalEmails)

	_, err = m.Start(ctx, c.ID)
	require.ErrorIs(t, err, core.ErrAlreadyRunning)

	jobs, err := db.ListJobs(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, "r1@example.com", jobs[1].Recipient.Email)
	require.WithinDuration(t, jobs[0].ScheduledFor.Add(5*time.Second), jobs[1].ScheduledFor, time.Millisecond)

	// a second enqueue of the same seqs is ignored
	dup := *jobs[0]
	dup.ID = uuid.NewString()
	require.NoError(t, db.EnqueueJobs(ctx, []*core.Job{&dup}))
	n, err := db.CountActiveJobs(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = m.Cancel(ctx, c.ID)
	require.NoError(t, err)
	n, err = db.CountActiveJobs(ctx, c.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNextAndClaim(t *testing.T) {
	db := startDB(t)
	ctx := context.Background()
	c := seed(t, db, 0)
	t0 := time.Now().UTC().Truncate(time.Millisecond)

	var jobs []*core.Job
	for i, at := range []time.Time{t0.Add(time.Minute), t0.Add(2 * time.Minute), t0.Add(30 * time.Second)} {
		jobs = append(jobs, &core.Job{
			ID: uuid.NewString(), CampaignID: c.ID, Seq: i, Status: core.JobPending, MaxAttempts: 3,
			Recipient: core.Recipient{Email: fmt.Sprintf("n%d@example.com", i)}, ScheduledFor: at,
			CreatedAt: t0, UpdatedAt: t0,
		})
	}
	require.NoError(t, db.EnqueueJobs(ctx, jobs))

	j, err := db.NextJob(ctx, c.ID, t0)
	require.NoError(t, err)
	require.Equal(t, 2, j.Seq)
	j, err = db.NextJob(ctx, c.ID, t0.Add(90*time.Second))
	require.NoError(t, err)
	require.Equal(t, 0, j.Seq)

	var won int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := db.ClaimJob(ctx, jobs[0].ID, t0); err == nil {
				atomic.AddInt64(&won, 1)
			} else {
				require.ErrorIs(t, err, core.ErrJobNotClaimed)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, won)

	_, err = db.ClaimJob(ctx, "missing", t0)
	require.ErrorIs(t, err, core.ErrNotFound)

	n, err := db.RequeueProcessing(ctx, c.ID, t0, t0)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = db.RequeueProcessing(ctx, c.ID, t0.Add(time.Second), t0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	got, err := db.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.Equal(t, core.JobPending, got.Status)
	require.Nil(t, got.StartedAt)
}

func TestSentEmails(t *testing.T) {
	db := startDB(t)
	ctx := context.Background()
	c := seed(t, db, 1)

	first, err := db.GetOrCreateSentEmail(ctx, &core.SentEmail{CampaignID: c.ID, BotID: c.BotID, RecipientEmail: "Ann@Example.com", Subject: "Hi"})
	require.NoError(t, err)
	require.Equal(t, core.EmailPending, first.Status)

	again, err := db.GetOrCreateSentEmail(ctx, &core.SentEmail{CampaignID: c.ID, BotID: c.BotID, RecipientEmail: "ann@example.com"})
	require.NoError(t, err)
	require.Equal(t, first.ID, again.ID)

	now := time.Now().UTC()
	pid := "<abc@sender.test>"
	sent, err := db.UpdateSentEmail(ctx, c.ID, first.ID, func(e *core.SentEmail) error {
		require.True(t, core.Advance(e, core.EmailSent, now))
		e.ProviderMessageID = &pid
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, core.EmailSent, sent.Status)

	got, err := db.GetSentEmail(ctx, c.ID, first.ID)
	require.NoError(t, err)
	require.Equal(t, pid, *got.ProviderMessageID)
	require.NotNil(t, got.SentAt)

	_, err = db.GetSentEmail(ctx, "other", first.ID)
	require.ErrorIs(t, err, core.ErrNotFound)

	list, err := db.ListSentEmails(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestReserve_ConcurrentNeverOvershoots(t *testing.T) {
	db := startDB(t)
	ctx := context.Background()
	c := seed(t, db, 0)
	now := time.Now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var granted int64
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := db.Reserve(ctx, c.BotID, 10, now, day)
			require.NoError(t, err)
			if res.Granted {
				atomic.AddInt64(&granted, 1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 10, granted)

	bot, err := db.GetBot(ctx, c.BotID)
	require.NoError(t, err)
	require.Equal(t, 10, bot.DailyEmailCount)

	// a new quota day starts from zero
	tomorrow := day.Add(24 * time.Hour)
	res, err := db.Reserve(ctx, c.BotID, 10, tomorrow.Add(time.Minute), tomorrow)
	require.NoError(t, err)
	require.True(t, res.Granted)
	require.Equal(t, 1, res.Used)

	bot.IsActive = false
	require.NoError(t, db.PutBot(ctx, bot))
	_, err = db.Reserve(ctx, c.BotID, 10, tomorrow, tomorrow)
	require.ErrorIs(t, err, core.ErrBotInactive)
	_, err = db.Reserve(ctx, "ghost", 10, tomorrow, tomorrow)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestLeaseAndSweepListsOnPostgres(t *testing.T) {
	db := startDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	future, past := now.Add(24*time.Hour), now.Add(-time.Minute)

	set := func(c *core.Campaign, status core.CampaignStatus, at *time.Time) {
		_, err := db.UpdateCampaign(ctx, c.ID, func(c *core.Campaign) error {
			c.Status = status
			c.ScheduledAt = at
			return nil
		})
		require.NoError(t, err)
	}
	// two future campaigns ahead of the due one must not hide it
	set(seed(t, db, 1), core.CampaignScheduled, &future)
	set(seed(t, db, 1), core.CampaignScheduled, &future)
	due := seed(t, db, 1)
	set(due, core.CampaignScheduled, &past)

	var found []string
	after := ""
	for {
		page, err := db.ListDueScheduled(ctx, now, after, 1)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		found = append(found, page[0].ID)
		after = page[0].ID
	}
	require.Equal(t, []string{due.ID}, found)

	running := seed(t, db, 1)
	set(running, core.CampaignRunning, nil)
	page, err := db.ListAdoptable(ctx, now, "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	ok, err := db.AcquireLease(ctx, running.ID, "a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = db.AcquireLease(ctx, running.ID, "a", now, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "holder renews")
	ok, err = db.AcquireLease(ctx, running.ID, "b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	page, err = db.ListAdoptable(ctx, now, "", 10)
	require.NoError(t, err)
	require.Empty(t, page, "a live lease is not adoptable")
	page, err = db.ListAdoptable(ctx, now.Add(2*time.Minute), "", 10)
	require.NoError(t, err)
	require.Len(t, page, 1)

	require.NoError(t, db.ReleaseLease(ctx, running.ID, "b"))
	ok, err = db.AcquireLease(ctx, running.ID, "b", now.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "only the holder releases")

	ok, err = db.AcquireLease(ctx, running.ID, "b", now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lease is taken over")

	_, err = db.AcquireLease(ctx, "missing", "a", now, time.Minute)
	require.ErrorIs(t, err, core.ErrNotFound)
}
