package main

import (
	"context"
	"testing"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/agent"
	"github.com/lazyplatypus/coord-substrate/pkg/substrate"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	sub := substrate.New(substrate.Config{StateDir: t.TempDir(), ReservationSweep: time.Hour})
	t.Cleanup(sub.Close)

	p, err := sub.Open("test-project")
	if err != nil {
		t.Fatalf("sub.Open: %v", err)
	}
	return &app{sub: sub, project: p, projectKey: "test-project"}
}

func TestEnvOrEnvSet(t *testing.T) {
	t.Setenv("TEST_SUBSTRATE_ENV", "hello")
	if got := envOr("TEST_SUBSTRATE_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOrEnvUnset(t *testing.T) {
	if got := envOr("TEST_SUBSTRATE_UNSET_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset env: got %q, want %q", got, "fallback")
	}
}

func TestResolveAgentFlagValue(t *testing.T) {
	a := newTestApp(t)
	a.agentID = "env-agent"
	if _, err := a.project.Agents.Register(context.Background(), "flag-agent", agent.RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := a.resolveAgent("flag-agent")
	if err != nil || got != "flag-agent" {
		t.Fatalf("resolveAgent with flag: got %q, err=%v", got, err)
	}
}

func TestResolveAgentEnvFallback(t *testing.T) {
	a := newTestApp(t)
	a.agentID = "env-agent"
	if _, err := a.project.Agents.Register(context.Background(), "env-agent", agent.RegisterOptions{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := a.resolveAgent("")
	if err != nil || got != "env-agent" {
		t.Fatalf("resolveAgent with env: got %q, err=%v", got, err)
	}
}

func TestResolveAgentNoAgent(t *testing.T) {
	a := newTestApp(t)
	if _, err := a.resolveAgent(""); err == nil {
		t.Fatal("resolveAgent with no agent should return error")
	}
}

func TestResolveAgentTouchesPresence(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	before, err := a.project.Agents.Register(ctx, "toucher", agent.RegisterOptions{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	time.Sleep(2 * time.Millisecond)
	if _, err := a.resolveAgent("toucher"); err != nil {
		t.Fatalf("resolveAgent: %v", err)
	}

	after, err := a.project.Agents.Get(ctx, "toucher")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !after.LastActiveAt.After(before.LastActiveAt) {
		t.Fatalf("resolveAgent should Touch the agent: before=%v after=%v", before.LastActiveAt, after.LastActiveAt)
	}
}
