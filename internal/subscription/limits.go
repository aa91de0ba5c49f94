// Package subscription maps a subscription tier to its daily send ceiling.
package subscription

import "strings"

type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Limits is the collaborator the quota guard asks for a tier's daily cap.
type Limits interface {
	DailyEmailLimit(tier string) int
}

// Table is a static tier -> limit lookup. Unknown tiers get Fallback.
type Table struct {
	ByTier   map[Tier]int
	Fallback int
}

func DefaultTable() *Table {
	return &Table{
		ByTier: map[Tier]int{
			TierFree:       50,
			TierStarter:    200,
			TierPro:        1000,
			TierEnterprise: 5000,
		},
		Fallback: 50,
	}
}

func (t *Table) DailyEmailLimit(tier string) int {
	if n, ok := t.ByTier[Tier(strings.ToLower(strings.TrimSpace(tier)))]; ok {
		return n
	}
	return t.Fallback
}

// Fixed returns the same limit for every tier. Handy in tests.
type Fixed int

func (f Fixed) DailyEmailLimit(string) int { return int(f) }
