// Package quota enforces each bot's daily send ceiling across every
// campaign that shares the bot.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
	"github.com/Cypherspark/campaign-dispatch/internal/metrics"
	"github.com/Cypherspark/campaign-dispatch/internal/subscription"
)

type Reason string

const (
	ReasonNone          Reason = ""
	ReasonQuotaExceeded Reason = "quota_exceeded"
	ReasonBotInactive   Reason = "bot_inactive"
)

// Decision is the answer to one reservation request.
type Decision struct {
	Granted bool
	Reason  Reason
	Used    int
	Limit   int
}

// Err maps a denied decision onto the core error taxonomy.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonQuotaExceeded:
		return core.ErrQuotaExceeded
	case ReasonBotInactive:
		return core.ErrBotInactive
	}
	return nil
}

type Guard struct {
	bots    core.BotStore
	counter core.QuotaCounter
	limits  subscription.Limits
	loc     *time.Location
	log     *zap.Logger

	Now func() time.Time
}

func NewGuard(bots core.BotStore, counter core.QuotaCounter, limits subscription.Limits, loc *time.Location, log *zap.Logger) *Guard {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{
		bots:    bots,
		counter: counter,
		limits:  limits,
		loc:     loc,
		log:     log.With(zap.String("component", "quota")),
	}
}

// DayStart is the beginning of the quota day containing t in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// TryReserve grants one send for botID when the bot is active and still
// under its tier's daily limit. The count is incremented only on grant.
func (g *Guard) TryReserve(ctx context.Context, botID string) (Decision, error) {
	bot, err := g.bots.GetBot(ctx, botID)
	if errors.Is(err, core.ErrNotFound) {
		metrics.QuotaReservations.WithLabelValues(string(ReasonBotInactive)).Inc()
		return Decision{Reason: ReasonBotInactive}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("load bot: %w", err)
	}
	limit := g.limits.DailyEmailLimit(bot.SubscriptionTier)
	if !bot.IsActive {
		metrics.QuotaReservations.WithLabelValues(string(ReasonBotInactive)).Inc()
		return Decision{Reason: ReasonBotInactive, Limit: limit}, nil
	}

	now := time.Now().UTC()
	if g.Now != nil {
		now = g.Now()
	}
	res, err := g.counter.Reserve(ctx, botID, limit, now, DayStart(now, g.loc))
	if errors.Is(err, core.ErrBotInactive) {
		// Deactivated between the lookup and the reservation.
		metrics.QuotaReservations.WithLabelValues(string(ReasonBotInactive)).Inc()
		return Decision{Reason: ReasonBotInactive, Limit: limit}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("reserve quota: %w", err)
	}
	if !res.Granted {
		metrics.QuotaReservations.WithLabelValues(string(ReasonQuotaExceeded)).Inc()
		g.log.Debug("quota exhausted", zap.String("bot_id", botID), zap.Int("limit", limit))
		return Decision{Reason: ReasonQuotaExceeded, Used: res.Used, Limit: limit}, nil
	}
	metrics.QuotaReservations.WithLabelValues("granted").Inc()
	return Decision{Granted: true, Used: res.Used, Limit: limit}, nil
}
