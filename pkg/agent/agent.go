// Package agent implements registration and liveness tracking for
// participants in a project.
//
// An agent registers once, then touches last_active_at on every
// subsequent operation so presence queries can classify it as
// online/idle/offline. Registration carries a richer shape than a bare
// name — program, model, and task_description — so other subsystems
// can show a human what each participant actually is.
package agent

import (
	"context"
	"database/sql"
	"math/rand"
	"strings"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// Agents is the registration/presence subsystem for one project.
type Agents struct {
	d          *db.DB
	es         *eventstore.Store
	projectKey string
}

// New wires an Agents instance to its project's database and event store.
func New(d *db.DB, es *eventstore.Store, projectKey string) *Agents {
	return &Agents{d: d, es: es, projectKey: projectKey}
}

// RegisterOptions carries the optional fields register_agent accepts.
type RegisterOptions struct {
	Program         string
	Model           string
	TaskDescription string
}

// Register creates or re-touches an agent. If name is empty, an
// Adjective+Noun name is generated and retried on collision.
func (a *Agents) Register(ctx context.Context, name string, o RegisterOptions) (model.Agent, error) {
	name = strings.TrimSpace(name)

	var result model.Agent
	var produced *model.Event
	err := a.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := a.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			resolvedName := name
			if resolvedName == "" {
				resolvedName, err = generateUniqueName(ctx, tx, a.projectKey)
				if err != nil {
					return err
				}
			}

			now := time.Now().UTC()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO agents(project_key, name, program, model, task_description, registered_at, last_active_at)
				VALUES (?,?,?,?,?,?,?)
				ON CONFLICT(project_key, name) DO UPDATE SET
					program = excluded.program, model = excluded.model,
					task_description = excluded.task_description, last_active_at = excluded.last_active_at`,
				a.projectKey, resolvedName, nullableString(o.Program), nullableString(o.Model),
				nullableString(o.TaskDescription), now.UnixMilli(), now.UnixMilli())
			if err != nil {
				return errs.Transient("agent_register_failed", "%v", err).Wrap(err)
			}

			ev, err := a.es.AppendTx(ctx, tx, model.EventAgentRegistered, map[string]interface{}{"name": resolvedName})
			if err != nil {
				return err
			}

			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}

			result = model.Agent{
				Name: resolvedName, ProjectKey: a.projectKey, Program: o.Program, Model: o.Model,
				TaskDescription: o.TaskDescription, RegisteredAt: now, LastActiveAt: now,
			}
			produced = &ev
			return nil
		})
	})
	if err != nil {
		return model.Agent{}, err
	}
	if produced != nil {
		a.es.Published(*produced)
	}
	return result, nil
}

// Heartbeat touches an agent's last_active_at, proving liveness, and
// appends an agent_active event.
func (a *Agents) Heartbeat(ctx context.Context, name string) (model.Agent, error) {
	var produced *model.Event
	err := a.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := a.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			res, err := tx.ExecContext(ctx,
				`UPDATE agents SET last_active_at = ? WHERE project_key = ? AND name = ?`,
				time.Now().UTC().UnixMilli(), a.projectKey, name)
			if err != nil {
				return errs.Transient("heartbeat_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errs.NotFound("agent_not_found", "agent %q not registered", name)
			}

			ev, err := a.es.AppendTx(ctx, tx, model.EventAgentActive, map[string]interface{}{"name": name})
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			produced = &ev
			return nil
		})
	})
	if err != nil {
		return model.Agent{}, err
	}
	if produced != nil {
		a.es.Published(*produced)
	}
	return a.Get(ctx, name)
}

// Touch bumps last_active_at without appending an event. Callers that
// resolve an acting agent's identity before some other operation (e.g.
// the CLI resolving --agent before a send/reserve/cell-update) should
// call Touch so presence reflects any activity, not just explicit
// heartbeats.
func (a *Agents) Touch(ctx context.Context, name string) {
	if name == "" {
		return
	}
	_, _ = a.d.Conn.ExecContext(ctx,
		`UPDATE agents SET last_active_at = ? WHERE project_key = ? AND name = ?`,
		time.Now().UTC().UnixMilli(), a.projectKey, name)
}

// Get returns a single agent.
func (a *Agents) Get(ctx context.Context, name string) (model.Agent, error) {
	row := a.d.Conn.QueryRowContext(ctx, `
		SELECT name, COALESCE(program,''), COALESCE(model,''), COALESCE(task_description,''), registered_at, last_active_at
		FROM agents WHERE project_key = ? AND name = ?`, a.projectKey, name)

	var ag model.Agent
	var registeredMs, lastActiveMs int64
	err := row.Scan(&ag.Name, &ag.Program, &ag.Model, &ag.TaskDescription, &registeredMs, &lastActiveMs)
	if err == sql.ErrNoRows {
		return model.Agent{}, errs.NotFound("agent_not_found", "agent %q not registered", name)
	}
	if err != nil {
		return model.Agent{}, errs.Corrupted("agent_scan_failed", "%v", err).Wrap(err)
	}
	ag.ProjectKey = a.projectKey
	ag.RegisteredAt = time.UnixMilli(registeredMs).UTC()
	ag.LastActiveAt = time.UnixMilli(lastActiveMs).UTC()
	return ag, nil
}

// List returns every agent registered in the project, most recently
// active first.
func (a *Agents) List(ctx context.Context) ([]model.Agent, error) {
	rows, err := a.d.Conn.QueryContext(ctx, `
		SELECT name, COALESCE(program,''), COALESCE(model,''), COALESCE(task_description,''), registered_at, last_active_at
		FROM agents WHERE project_key = ? ORDER BY last_active_at DESC`, a.projectKey)
	if err != nil {
		return nil, errs.Transient("agent_list_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		var ag model.Agent
		var registeredMs, lastActiveMs int64
		if err := rows.Scan(&ag.Name, &ag.Program, &ag.Model, &ag.TaskDescription, &registeredMs, &lastActiveMs); err != nil {
			return nil, errs.Corrupted("agent_scan_failed", "%v", err).Wrap(err)
		}
		ag.ProjectKey = a.projectKey
		ag.RegisteredAt = time.UnixMilli(registeredMs).UTC()
		ag.LastActiveAt = time.UnixMilli(lastActiveMs).UTC()
		out = append(out, ag)
	}
	return out, rows.Err()
}

var adjectives = []string{"swift", "calm", "bright", "quiet", "bold", "keen", "brisk", "lucid", "steady", "sharp"}
var nouns = []string{"falcon", "otter", "cedar", "harbor", "comet", "ember", "thicket", "ridge", "lantern", "heron"}

func generateUniqueName(ctx context.Context, tx *sql.Tx, projectKey string) (string, error) {
	for attempt := 0; attempt < 20; attempt++ {
		candidate := adjectives[rand.Intn(len(adjectives))] + "-" + nouns[rand.Intn(len(nouns))]
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM agents WHERE project_key = ? AND name = ?`, projectKey, candidate).Scan(&exists)
		if err == sql.ErrNoRows {
			return candidate, nil
		}
		if err != nil {
			return "", errs.Transient("name_check_failed", "%v", err).Wrap(err)
		}
	}
	return "", errs.Transient("name_generation_exhausted", "could not find an unused agent name after 20 attempts")
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
