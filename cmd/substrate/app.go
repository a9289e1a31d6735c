package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/lazyplatypus/coord-substrate/pkg/substrate"
)

// stdoutIsTTY decides whether JSON output is pretty-printed for a human
// at a terminal or left compact for a consuming script/pipe.
var stdoutIsTTY = isatty.IsTerminal(os.Stdout.Fd())

// app holds shared state for all CLI subcommands.
type app struct {
	sub        *substrate.Substrate
	project    *substrate.Project
	agentID    string // default agent from SUBSTRATE_AGENT
	projectKey string
}

// newApp opens the project's database and resolves the default agent
// identity, one shared store opened once per process invocation.
func newApp() (*app, error) {
	cfg := substrate.ConfigFromEnv()
	sub := substrate.New(cfg)

	projectKey := envOr("SUBSTRATE_PROJECT", mustGetwd())
	p, err := sub.Open(projectKey)
	if err != nil {
		return nil, fmt.Errorf("cannot open project %q: %w", projectKey, err)
	}

	return &app{
		sub:        sub,
		project:    p,
		projectKey: projectKey,
		agentID:    envOr("SUBSTRATE_AGENT", ""),
	}, nil
}

// Close releases every database connection opened this process.
func (a *app) Close() { a.sub.Close() }

// resolveAgent returns the agent ID from the flag (if non-empty), falling
// back to the SUBSTRATE_AGENT environment variable, and touches the
// agent's presence: any command that acts as an identified agent counts
// as activity, not just explicit heartbeats.
func (a *app) resolveAgent(flagVal string) (string, error) {
	var name string
	if flagVal != "" {
		name = flagVal
	} else if a.agentID != "" {
		name = a.agentID
	} else {
		return "", fmt.Errorf("no agent ID: pass --agent or set SUBSTRATE_AGENT")
	}
	a.project.Agents.Touch(context.Background(), name)
	return name, nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// printJSON writes v to stdout as JSON, indented for an interactive
// terminal and compact for a pipe or redirect.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	if stdoutIsTTY {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

// toJSON renders v as compact JSON, falling back to v's %v formatting
// if marshaling somehow fails.
func toJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "substrate: "+format+"\n", args...)
	os.Exit(1)
}

// exitCodeFor maps a substrate error onto the process exit code
// convention: 0 success, 1 error, 2 conflict.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if isConflict(err) {
		return 2
	}
	return 1
}
