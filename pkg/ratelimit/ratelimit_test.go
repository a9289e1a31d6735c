package ratelimit

import (
	"testing"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(t.TempDir(), "project-a")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestAllowConsumesBurstThenRejects(t *testing.T) {
	d := newTestDB(t)
	l := New(d, "project-a")

	for i := 0; i < defaultBurst["summarize_thread"]; i++ {
		if err := l.Allow("alice", "summarize_thread"); err != nil {
			t.Fatalf("Allow() call %d: unexpected error %v", i, err)
		}
	}

	err := l.Allow("alice", "summarize_thread")
	if !errs.Is(err, errs.KindRateLimit) {
		t.Fatalf("Allow() after exhausting burst = %v, want a rate_limit error", err)
	}
}

func TestAllowIsPerAgentAndPerEndpoint(t *testing.T) {
	d := newTestDB(t)
	l := New(d, "project-a")

	for i := 0; i < defaultBurst["reserve"]; i++ {
		if err := l.Allow("alice", "reserve"); err != nil {
			t.Fatalf("alice reserve call %d: %v", i, err)
		}
	}
	if err := l.Allow("bob", "reserve"); err != nil {
		t.Fatalf("a different agent should have its own bucket: %v", err)
	}
	if err := l.Allow("alice", "release"); err != nil {
		t.Fatalf("a different endpoint should have its own bucket: %v", err)
	}
}

func TestAllowUnknownEndpointIsUnlimited(t *testing.T) {
	d := newTestDB(t)
	l := New(d, "project-a")

	for i := 0; i < 1000; i++ {
		if err := l.Allow("alice", "nonexistent_endpoint"); err != nil {
			t.Fatalf("unknown endpoints must never be rate limited: %v", err)
		}
	}
}

func TestAllowDisabledViaEnv(t *testing.T) {
	t.Setenv("RATE_LIMIT_DISABLED", "true")
	d := newTestDB(t)
	l := New(d, "project-a")

	for i := 0; i < defaultBurst["send"]+10; i++ {
		if err := l.Allow("alice", "send"); err != nil {
			t.Fatalf("RATE_LIMIT_DISABLED=true should bypass all limits: %v", err)
		}
	}
}
