package agent

import (
	"context"
	"testing"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
)

func newTestAgents(t *testing.T) *Agents {
	t.Helper()
	d, err := db.Open(t.TempDir(), "project-a")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	es, err := eventstore.Open(d, "project-a")
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	return New(d, es, "project-a")
}

func TestRegisterWithExplicitName(t *testing.T) {
	a := newTestAgents(t)
	ctx := context.Background()

	ag, err := a.Register(ctx, "alice", RegisterOptions{Program: "cli", Model: "m1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ag.Name != "alice" || ag.Program != "cli" || ag.Model != "m1" {
		t.Fatalf("Register returned %+v, want name=alice program=cli model=m1", ag)
	}
}

func TestRegisterGeneratesNameWhenEmpty(t *testing.T) {
	a := newTestAgents(t)
	ctx := context.Background()

	ag, err := a.Register(ctx, "", RegisterOptions{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ag.Name == "" {
		t.Fatal("Register with empty name should generate an Adjective-Noun name")
	}
}

func TestRegisterIsIdempotentUpsert(t *testing.T) {
	a := newTestAgents(t)
	ctx := context.Background()

	a.Register(ctx, "alice", RegisterOptions{Program: "cli", Model: "m1"})
	ag, err := a.Register(ctx, "alice", RegisterOptions{Program: "cli", Model: "m2"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if ag.Model != "m2" {
		t.Fatalf("re-registering should update mutable fields, got model=%q want m2", ag.Model)
	}

	all, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("re-registering the same name should not create a second row, got %d agents", len(all))
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	a := newTestAgents(t)
	_, err := a.Heartbeat(context.Background(), "nobody")
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("Heartbeat(unknown agent) = %v, want a not_found error", err)
	}
}

func TestHeartbeatAdvancesLastActive(t *testing.T) {
	a := newTestAgents(t)
	ctx := context.Background()

	before, err := a.Register(ctx, "alice", RegisterOptions{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	after, err := a.Heartbeat(ctx, "alice")
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if after.LastActiveAt.Before(before.LastActiveAt) {
		t.Fatalf("Heartbeat should not move last_active_at backwards: before=%v after=%v", before.LastActiveAt, after.LastActiveAt)
	}
}

func TestTouchIsSilentAndEventless(t *testing.T) {
	a := newTestAgents(t)
	ctx := context.Background()
	a.Register(ctx, "alice", RegisterOptions{})

	a.Touch(ctx, "alice")
	a.Touch(ctx, "nonexistent-agent") // must not panic

	ag, err := a.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("Get after Touch: %v", err)
	}
	if ag.Name != "alice" {
		t.Fatalf("Get after Touch returned %+v", ag)
	}
}

func TestListOrdersByLastActiveDescending(t *testing.T) {
	a := newTestAgents(t)
	ctx := context.Background()

	a.Register(ctx, "carol", RegisterOptions{})
	a.Register(ctx, "alice", RegisterOptions{})
	a.Heartbeat(ctx, "carol")

	agents, err := a.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(agents) != 2 || agents[0].Name != "carol" {
		t.Fatalf("List() = %v, want carol (most recently active) first", agents)
	}
}
