package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/memstore"
	"github.com/Cypherspark/campaign-dispatch/internal/quota"
	"github.com/Cypherspark/campaign-dispatch/internal/subscription"
)

func newGuard(t *testing.T, limit int) (*quota.Guard, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	s.PutBot(&core.Bot{ID: "bot-1", FromEmail: "bot@example.com", IsActive: true, SubscriptionTier: "free"})
	return quota.NewGuard(s, s, subscription.Fixed(limit), time.UTC, nil), s
}

func reserveConcurrently(t *testing.T, g *quota.Guard, botID string, n int) (granted, denied int64) {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.TryReserve(context.Background(), botID)
			require.NoError(t, err)
			if d.Granted {
				atomic.AddInt64(&granted, 1)
			} else {
				require.Equal(t, quota.ReasonQuotaExceeded, d.Reason)
				atomic.AddInt64(&denied, 1)
			}
		}()
	}
	wg.Wait()
	return granted, denied
}

func TestTryReserve_ConcurrentNeverOvershoots(t *testing.T) {
	g, s := newGuard(t, 10)

	granted, denied := reserveConcurrently(t, g, "bot-1", 50)
	require.EqualValues(t, 10, granted)
	require.EqualValues(t, 40, denied)

	b, err := s.GetBot(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, 10, b.DailyEmailCount)
}

// Two campaigns share one bot with a limit of 10. A has taken 6.
func TestTryReserve_SharedAcrossCampaigns(t *testing.T) {
	cases := []struct {
		name             string
		attempts         int
		granted, refused int64
	}{
		{"six attempts", 6, 4, 2},
		{"ten attempts", 10, 4, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := newGuard(t, 10)
			for i := 0; i < 6; i++ {
				d, err := g.TryReserve(context.Background(), "bot-1")
				require.NoError(t, err)
				require.True(t, d.Granted)
			}
			granted, denied := reserveConcurrently(t, g, "bot-1", tc.attempts)
			require.Equal(t, tc.granted, granted)
			require.Equal(t, tc.refused, denied)
		})
	}
}

func TestTryReserve_InactiveOrMissingBot(t *testing.T) {
	g, s := newGuard(t, 10)
	require.NoError(t, s.SetBotActive("bot-1", false))

	d, err := g.TryReserve(context.Background(), "bot-1")
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, quota.ReasonBotInactive, d.Reason)
	require.ErrorIs(t, d.Err(), core.ErrBotInactive)

	b, _ := s.GetBot(context.Background(), "bot-1")
	require.Zero(t, b.DailyEmailCount, "denied reservations do not count")

	d, err = g.TryReserve(context.Background(), "ghost")
	require.NoError(t, err)
	require.Equal(t, quota.ReasonBotInactive, d.Reason)
}

func TestTryReserve_ResetsOnNewDay(t *testing.T) {
	g, _ := newGuard(t, 2)
	day := time.Date(2026, 5, 4, 22, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return day }

	for i := 0; i < 2; i++ {
		d, err := g.TryReserve(context.Background(), "bot-1")
		require.NoError(t, err)
		require.True(t, d.Granted)
	}
	d, err := g.TryReserve(context.Background(), "bot-1")
	require.NoError(t, err)
	require.False(t, d.Granted)
	require.Equal(t, 2, d.Used)
	require.Equal(t, 2, d.Limit)
	require.ErrorIs(t, d.Err(), core.ErrQuotaExceeded)

	g.Now = func() time.Time { return day.Add(3 * time.Hour) }
	d, err = g.TryReserve(context.Background(), "bot-1")
	require.NoError(t, err)
	require.True(t, d.Granted)
	require.Equal(t, 1, d.Used)
}

func TestDayStart(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	at := time.Date(2026, 7, 1, 23, 30, 0, 0, time.UTC) // 01:30 on July 2 in Berlin
	require.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), quota.DayStart(at, time.UTC))
	require.True(t, time.Date(2026, 7, 2, 0, 0, 0, 0, berlin).Equal(quota.DayStart(at, berlin)))
}

func TestDefaultTable(t *testing.T) {
	tbl := subscription.DefaultTable()
	require.Equal(t, 50, tbl.DailyEmailLimit("free"))
	require.Equal(t, 1000, tbl.DailyEmailLimit(" PRO "))
	require.Equal(t, 50, tbl.DailyEmailLimit("mystery"))
	require.Equal(t, 7, subscription.Fixed(7).DailyEmailLimit("pro"))
}
