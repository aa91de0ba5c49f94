package provider

import (
	"context"
	"math/rand"
	"strings"
	"time"
)

// Dummy stands in for a real mail server in local runs.
type Dummy struct {
	Latency time.Duration
	// FailPercent is the share of sends that fail transiently.
	FailPercent int
}

func NewDummy() *Dummy { return &Dummy{Latency: 50 * time.Millisecond, FailPercent: 3} }

func (d *Dummy) Send(ctx context.Context, env Envelope) (string, error) {
	// Simulate latency and occasional failures.
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(d.Latency):
	}
	if strings.HasSuffix(env.To, ".invalid") {
		return "", HardBounce(550, "mailbox unavailable")
	}
	if rand.Intn(100) < d.FailPercent {
		return "", Transient("provider_temporary_error")
	}
	return "dummy-" + randomID(), nil
}

func randomID() string {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 12)
	for i := range b {
		b[i] = letters[r.Intn(len(letters))]
	}
	return string(b)
}
