package hive

import (
	"context"
	"database/sql"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// AddDependency inserts a directed edge from -rel-> to, running cycle
// detection inside the same transaction as the insert, to avoid a
// TOCTOU window between the check and the write.
//
// Only "blocks" edges are checked for cycles, and the search follows
// only "blocks" edges: a "blocked-by" edge is neither checked nor
// traversed, so a cycle formed through "blocked-by" edges is accepted.
// "related" and "discovered-from" are informational and never block
// progress.
func (h *Hive) AddDependency(ctx context.Context, from, to string, rel model.Relationship) error {
	if from == to {
		return errs.Conflict("self_dependency", "a cell cannot depend on itself")
	}
	var produced *model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			if rel == model.RelBlocks {
				cyclic, err := wouldCreateCycle(ctx, tx, h.projectKey, from, to)
				if err != nil {
					return err
				}
				if cyclic {
					return errs.Conflict("cycle_detected", "adding %s -blocks-> %s would create a cycle", from, to)
				}
			}

			now := time.Now().UTC()
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO cell_dependencies(project_key, from_cell, to_cell, relationship, created_at) VALUES (?,?,?,?,?)
				 ON CONFLICT DO NOTHING`,
				h.projectKey, from, to, string(rel), now.UnixMilli(),
			); err != nil {
				return errs.Transient("dependency_insert_failed", "%v", err).Wrap(err)
			}

			ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellDependencyAdded, from, map[string]interface{}{
				"from": from, "to": to, "relationship": rel,
			})
			if err != nil {
				return err
			}

			if rel == model.RelBlockedBy || rel == model.RelBlocks {
				blockedCell := from
				if rel == model.RelBlocks {
					blockedCell = to
				}
				if err := recomputeBlocked(ctx, tx, h.projectKey, blockedCell); err != nil {
					return err
				}
			}

			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			produced = &ev
			return nil
		})
	})
	if err != nil {
		return err
	}
	if produced != nil {
		h.es.Published(*produced)
	}
	return nil
}

// RemoveDependency deletes an edge; removing an edge never introduces
// a cycle, so no cycle check is needed here.
func (h *Hive) RemoveDependency(ctx context.Context, from, to string, rel model.Relationship) error {
	var produced *model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cell_dependencies WHERE project_key=? AND from_cell=? AND to_cell=? AND relationship=?`,
				h.projectKey, from, to, string(rel),
			); err != nil {
				return errs.Transient("dependency_delete_failed", "%v", err).Wrap(err)
			}
			ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellDependencyRemoved, from, map[string]interface{}{
				"from": from, "to": to, "relationship": rel,
			})
			if err != nil {
				return err
			}
			if rel == model.RelBlockedBy || rel == model.RelBlocks {
				blockedCell := from
				if rel == model.RelBlocks {
					blockedCell = to
				}
				if err := recomputeBlocked(ctx, tx, h.projectKey, blockedCell); err != nil {
					return err
				}
			}
			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			produced = &ev
			return nil
		})
	})
	if err != nil {
		return err
	}
	if produced != nil {
		h.es.Published(*produced)
	}
	return nil
}

// wouldCreateCycle reports whether adding from-blocks->to would create
// a cycle: true iff from is reachable from to over the existing
// "blocks" graph (restricted to non-tombstone cells), i.e. a path
// to -> ... -> from already exists.
func wouldCreateCycle(ctx context.Context, tx *sql.Tx, projectKey, from, to string) (bool, error) {
	visited := map[string]bool{to: true}
	stack := []string{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == from {
			return true, nil
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT d.to_cell FROM cell_dependencies d
			JOIN cells c ON c.project_key = d.project_key AND c.id = d.to_cell
			WHERE d.project_key = ? AND d.from_cell = ? AND d.relationship = ? AND c.status != ?`,
			projectKey, cur, string(model.RelBlocks), string(model.StatusTombstone))
		if err != nil {
			return false, errs.Transient("cycle_scan_failed", "%v", err).Wrap(err)
		}
		var next []string
		for rows.Next() {
			var n string
			if err := rows.Scan(&n); err != nil {
				rows.Close()
				return false, errs.Corrupted("cycle_scan_row_failed", "%v", err).Wrap(err)
			}
			next = append(next, n)
		}
		rows.Close()
		for _, n := range next {
			if !visited[n] {
				visited[n] = true
				stack = append(stack, n)
			}
		}
	}
	return false, nil
}

// recomputeBlocked recomputes is_blocked for a single cell: blocked iff
// it has any "blocked-by" edge to a cell that is not closed/tombstone.
func recomputeBlocked(ctx context.Context, tx *sql.Tx, projectKey, cellID string) error {
	var openBlockerCount int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM cell_dependencies d
		JOIN cells c ON c.project_key = d.project_key AND c.id = d.to_cell
		WHERE d.project_key = ? AND d.from_cell = ? AND d.relationship = ? AND c.status NOT IN (?, ?)`,
		projectKey, cellID, string(model.RelBlockedBy), string(model.StatusClosed), string(model.StatusTombstone),
	).Scan(&openBlockerCount)
	if err != nil {
		return errs.Transient("blocked_recompute_failed", "%v", err).Wrap(err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE cells SET is_blocked = ? WHERE project_key = ? AND id = ?`,
		openBlockerCount > 0, projectKey, cellID)
	if err != nil {
		return errs.Transient("blocked_update_failed", "%v", err).Wrap(err)
	}
	return nil
}

// recomputeBlockedForDependents recomputes is_blocked for every cell
// that has a blocked-by edge pointing at changedCell, called whenever
// changedCell's status transitions to/from closed/tombstone.
func recomputeBlockedForDependents(ctx context.Context, tx *sql.Tx, projectKey, changedCell string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT from_cell FROM cell_dependencies WHERE project_key = ? AND to_cell = ? AND relationship = ?`,
		projectKey, changedCell, string(model.RelBlockedBy))
	if err != nil {
		return errs.Transient("dependents_query_failed", "%v", err).Wrap(err)
	}
	var dependents []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			rows.Close()
			return errs.Corrupted("dependents_scan_failed", "%v", err).Wrap(err)
		}
		dependents = append(dependents, d)
	}
	rows.Close()
	for _, d := range dependents {
		if err := recomputeBlocked(ctx, tx, projectKey, d); err != nil {
			return err
		}
	}
	return nil
}

// RebuildBlockedCache recomputes is_blocked for every non-tombstone
// cell in the project; a full-repair operation
func (h *Hive) RebuildBlockedCache(ctx context.Context) error {
	return db.RetrySQLite(func() error {
		tx, err := h.d.Conn.BeginTx(ctx, nil)
		if err != nil {
			return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
		}
		defer tx.Rollback()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM cells WHERE project_key = ? AND status != ?`,
			h.projectKey, string(model.StatusTombstone))
		if err != nil {
			return errs.Transient("rebuild_query_failed", "%v", err).Wrap(err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errs.Corrupted("rebuild_scan_failed", "%v", err).Wrap(err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if err := recomputeBlocked(ctx, tx, h.projectKey, id); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}
