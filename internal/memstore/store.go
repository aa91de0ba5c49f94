// Package memstore is a mutex-guarded, process-local implementation of the
// engine's persistence interfaces. It backs the test suite and single-node
// runs without a database.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Cypherspark/campaign-dispatch/internal/core"
)

var (
	_ core.Store        = (*Store)(nil)
	_ core.QuotaCounter = (*Store)(nil)
)

type Store struct {
	mu sync.Mutex

	campaigns map[string]*core.Campaign
	jobs      map[string]*core.Job
	jobKeys   map[string]string // campaign/seq -> job id
	emails    map[string]*core.SentEmail
	emailKeys map[string]string // campaign/recipient -> email id
	bots      map[string]*core.Bot
	leases    map[string]lease
}

type lease struct {
	owner string
	until time.Time
}

func New() *Store {
	return &Store{
		campaigns: make(map[string]*core.Campaign),
		jobs:      make(map[string]*core.Job),
		jobKeys:   make(map[string]string),
		emails:    make(map[string]*core.SentEmail),
		emailKeys: make(map[string]string),
		bots:      make(map[string]*core.Bot),
		leases:    make(map[string]lease),
	}
}

// ---- Campaigns ----

func (s *Store) CreateCampaign(_ context.Context, c *core.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return errors.New("memstore: campaign already exists")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.Status == "" {
		c.Status = core.CampaignDraft
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (*core.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, core.NotFound("campaign", id)
	}
	return cloneCampaign(c), nil
}

func (s *Store) UpdateCampaign(_ context.Context, id string, fn func(c *core.Campaign) error) (*core.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.campaigns[id]
	if !ok {
		return nil, core.NotFound("campaign", id)
	}
	next := cloneCampaign(cur)
	if err := fn(next); err != nil {
		if errors.Is(err, core.ErrUnchanged) {
			return cloneCampaign(cur), nil
		}
		return nil, err
	}
	s.campaigns[id] = next
	return cloneCampaign(next), nil
}

func (s *Store) ListCampaignsByStatus(_ context.Context, status core.CampaignStatus, limit int) ([]*core.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Campaign
	for _, c := range s.campaigns {
		if c.Status == status {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// listPage filters campaigns, orders them by id and returns the page after afterID.
func (s *Store) listPage(afterID string, limit int, keep func(c *core.Campaign) bool) []*core.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Campaign
	for _, c := range s.campaigns {
		if c.ID > afterID && keep(c) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListDueScheduled(_ context.Context, now time.Time, afterID string, limit int) ([]*core.Campaign, error) {
	return s.listPage(afterID, limit, func(c *core.Campaign) bool {
		return c.Status == core.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	}), nil
}

// ListAdoptable runs under s.mu, so it reads the leases directly.
func (s *Store) ListAdoptable(_ context.Context, now time.Time, afterID string, limit int) ([]*core.Campaign, error) {
	return s.listPage(afterID, limit, func(c *core.Campaign) bool {
		l, held := s.leases[c.ID]
		return c.Status == core.CampaignRunning && (!held || l.until.Before(now))
	}), nil
}

// ---- Leases ----

func (s *Store) AcquireLease(_ context.Context, campaignID, owner string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaignID]; !ok {
		return false, core.NotFound("campaign", campaignID)
	}
	if l, held := s.leases[campaignID]; held && l.owner != owner && !l.until.Before(now) {
		return false, nil
	}
	s.leases[campaignID] = lease{owner: owner, until: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, campaignID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, held := s.leases[campaignID]; held && l.owner == owner {
		delete(s.leases, campaignID)
	}
	return nil
}

// ---- Jobs ----

func jobKey(campaignID string, seq int) string {
	return campaignID + "/" + itoa(seq)
}

func (s *Store) EnqueueJobs(_ context.Context, jobs []*core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		k := jobKey(j.CampaignID, j.Seq)
		if _, ok := s.jobKeys[k]; ok {
			continue
		}
		cp := *j
		s.jobs[cp.ID] = &cp
		s.jobKeys[k] = cp.ID
	}
	return nil
}

func (s *Store) NextJob(_ context.Context, campaignID string, now time.Time) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due, next *core.Job
	for _, j := range s.jobs {
		if j.CampaignID != campaignID || (j.Status != core.JobPending && j.Status != core.JobRetrying) {
			continue
		}
		if !j.ScheduledFor.After(now) {
			if due == nil || j.Seq < due.Seq {
				due = j
			}
			continue
		}
		if next == nil || j.ScheduledFor.Before(next.ScheduledFor) ||
			(j.ScheduledFor.Equal(next.ScheduledFor) && j.Seq < next.Seq) {
			next = j
		}
	}
	switch {
	case due != nil:
		return cloneJob(due), nil
	case next != nil:
		return cloneJob(next), nil
	}
	return nil, nil
}

func (s *Store) ClaimJob(_ context.Context, jobID string, now time.Time) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, core.NotFound("job", jobID)
	}
	if j.Status != core.JobPending && j.Status != core.JobRetrying {
		return nil, core.ErrJobNotClaimed
	}
	t := now
	j.Status = core.JobProcessing
	j.StartedAt = &t
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, j *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return core.NotFound("job", j.ID)
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, core.NotFound("job", jobID)
	}
	return cloneJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, campaignID string) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Job
	for _, j := range s.jobs {
		if j.CampaignID == campaignID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Seq < out[k].Seq })
	return out, nil
}

func (s *Store) CountActiveJobs(_ context.Context, campaignID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.CampaignID == campaignID && j.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CancelJobs(_ context.Context, campaignID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.CampaignID != campaignID || (j.Status != core.JobPending && j.Status != core.JobRetrying) {
			continue
		}
		t := now
		j.Status = core.JobCancelled
		j.FinishedAt = &t
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *Store) RequeueProcessing(_ context.Context, campaignID string, startedBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.CampaignID != campaignID || j.Status != core.JobProcessing {
			continue
		}
		if j.StartedAt != nil && !j.StartedAt.Before(startedBefore) {
			continue
		}
		j.Status = core.JobPending
		if j.Attempts > 0 {
			j.Status = core.JobRetrying
		}
		j.StartedAt = nil
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// ---- Sent emails ----

func emailKey(campaignID, recipient string) string {
	return campaignID + "/" + strings.ToLower(recipient)
}

func (s *Store) GetOrCreateSentEmail(_ context.Context, e *core.SentEmail) (*core.SentEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := emailKey(e.CampaignID, e.RecipientEmail)
	if id, ok := s.emailKeys[k]; ok {
		return cloneEmail(s.emails[id]), nil
	}
	cp := cloneEmail(e)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = core.EmailPending
	}
	s.emails[cp.ID] = cp
	s.emailKeys[k] = cp.ID
	return cloneEmail(cp), nil
}

func (s *Store) GetSentEmail(_ context.Context, campaignID, id string) (*core.SentEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.emails[id]
	if !ok || e.CampaignID != campaignID {
		return nil, core.NotFound("sent email", id)
	}
	return cloneEmail(e), nil
}

func (s *Store) UpdateSentEmail(_ context.Context, campaignID, id string, fn func(e *core.SentEmail) error) (*core.SentEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.emails[id]
	if !ok || cur.CampaignID != campaignID {
		return nil, core.NotFound("sent email", id)
	}
	next := cloneEmail(cur)
	if err := fn(next); err != nil {
		if errors.Is(err, core.ErrUnchanged) {
			return cloneEmail(cur), nil
		}
		return nil, err
	}
	s.emails[id] = next
	return cloneEmail(next), nil
}

func (s *Store) ListSentEmails(_ context.Context, campaignID string) ([]*core.SentEmail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.SentEmail
	for _, e := range s.emails {
		if e.CampaignID == campaignID {
			out = append(out, cloneEmail(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---- Bots and quota ----

// PutBot inserts or replaces a bot.
func (s *Store) PutBot(b *core.Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.bots[b.ID] = &cp
}

func (s *Store) SetBotActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return core.NotFound("bot", id)
	}
	b.IsActive = active
	return nil
}

func (s *Store) GetBot(_ context.Context, id string) (*core.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return nil, core.NotFound("bot", id)
	}
	cp := *b
	if b.LastEmailSentAt != nil {
		t := *b.LastEmailSentAt
		cp.LastEmailSentAt = &t
	}
	return &cp, nil
}

// Reserve mirrors the Postgres counter: the bot row carries the count and the
// time of its last grant, and a grant from a previous quota day resets it.
func (s *Store) Reserve(_ context.Context, botID string, limit int, now, dayStart time.Time) (core.QuotaResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[botID]
	if !ok {
		return core.QuotaResult{}, core.NotFound("bot", botID)
	}
	if !b.IsActive {
		return core.QuotaResult{}, core.ErrBotInactive
	}
	used := b.DailyEmailCount
	if b.LastEmailSentAt == nil || b.LastEmailSentAt.Before(dayStart) {
		used = 0
	}
	if used >= limit {
		return core.QuotaResult{Used: used}, nil
	}
	t := now
	b.DailyEmailCount = used + 1
	b.LastEmailSentAt = &t
	return core.QuotaResult{Granted: true, Used: b.DailyEmailCount}, nil
}
