package mail

import (
	"context"
	"testing"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/errs"
)

func TestReserveRequiresPatternsAndPositiveTTL(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "alice", nil, true, "", time.Minute); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Reserve with no patterns = %v, want validation error", err)
	}
	if _, err := m.Reserve(ctx, "alice", []string{"src/*.go"}, true, "", 0); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Reserve with zero ttl = %v, want validation error", err)
	}
}

func TestReserveGrantsWhenNoConflict(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "alice", []string{"src/*.go"}, true, "refactor", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("Reserve returned conflicts %v, want none", res.Conflicts)
	}
	if len(res.Granted) != 1 || res.Granted[0].AgentName != "alice" {
		t.Fatalf("Reserve granted %v, want one reservation for alice", res.Granted)
	}
}

func TestReserveDetectsExclusiveConflictBetweenDifferentAgents(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "alice", []string{"src/*.go"}, true, "refactor", time.Minute); err != nil {
		t.Fatalf("alice Reserve: %v", err)
	}

	res, err := m.Reserve(ctx, "bob", []string{"src/main.go"}, true, "edit", time.Minute)
	if err != nil {
		t.Fatalf("bob Reserve: %v", err)
	}
	if len(res.Granted) != 0 {
		t.Fatalf("bob's conflicting reserve was granted: %v", res.Granted)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Holders[0] != "alice" {
		t.Fatalf("Reserve conflicts = %v, want alice listed as holder", res.Conflicts)
	}
}

func TestReserveAllowsSharedNonExclusiveOverlap(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "alice", []string{"docs/*.md"}, false, "read", time.Minute); err != nil {
		t.Fatalf("alice Reserve: %v", err)
	}
	res, err := m.Reserve(ctx, "bob", []string{"docs/readme.md"}, false, "read", time.Minute)
	if err != nil {
		t.Fatalf("bob Reserve: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("two non-exclusive reservations should not conflict, got %v", res.Conflicts)
	}
}

func TestReserveExemptsSelfConflicts(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "alice", []string{"src/*.go"}, true, "first", time.Minute); err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	res, err := m.Reserve(ctx, "alice", []string{"src/main.go"}, true, "second", time.Minute)
	if err != nil {
		t.Fatalf("second Reserve: %v", err)
	}
	if len(res.Conflicts) != 0 {
		t.Fatalf("the same agent re-reserving an overlapping path should not conflict with itself: %v", res.Conflicts)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	res, err := m.Reserve(ctx, "alice", []string{"src/*.go"}, true, "refactor", time.Minute)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	id := res.Granted[0].ID

	if err := m.Release(ctx, "alice", id); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := m.Release(ctx, "alice", id); err != nil {
		t.Fatalf("second Release should be a no-op: %v", err)
	}
	if err := m.Release(ctx, "alice", "res-does-not-exist"); err != nil {
		t.Fatalf("Release of a nonexistent reservation should be a no-op: %v", err)
	}

	conflicts, err := m.ConflictsFor(ctx, []string{"src/main.go"})
	if err != nil {
		t.Fatalf("ConflictsFor: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("ConflictsFor after Release = %v, want none", conflicts)
	}
}

func TestConflictsForReportsActiveHolders(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "alice", []string{"src/*.go"}, true, "refactor", time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	conflicts, err := m.ConflictsFor(ctx, []string{"src/main.go"})
	if err != nil {
		t.Fatalf("ConflictsFor: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Holders[0] != "alice" {
		t.Fatalf("ConflictsFor = %v, want alice as holder of src/main.go", conflicts)
	}
}

func TestSweepExpiredReleasesOnlyExpiredReservations(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "alice", []string{"src/*.go"}, true, "refactor", time.Minute); err != nil {
		t.Fatalf("Reserve (not expired): %v", err)
	}
	if _, err := m.Reserve(ctx, "bob", []string{"docs/*.md"}, true, "quick edit", time.Nanosecond); err != nil {
		t.Fatalf("Reserve (will expire): %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	n, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("SweepExpired released %d reservations, want 1", n)
	}

	conflicts, err := m.ConflictsFor(ctx, []string{"src/main.go"})
	if err != nil {
		t.Fatalf("ConflictsFor: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("the non-expired reservation should still be active: %v", conflicts)
	}
}
