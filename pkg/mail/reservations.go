package mail

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/glob"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// Reserve attempts to claim patterns exclusively (or non-exclusively)
// for agent, for ttl. Self-conflicts (the same agent re-reserving an
// overlapping path it already holds) are exempt. Either every pattern
// is granted, or none are: a partial reservation would be worse than
// useless to a caller relying on "I now own all of these paths."
func (m *Mail) Reserve(ctx context.Context, agent string, patterns []string, exclusive bool, reason string, ttl time.Duration) (model.ReserveResult, error) {
	if err := m.limiter.Allow(agent, "reserve"); err != nil {
		return model.ReserveResult{}, err
	}
	if len(patterns) == 0 {
		return model.ReserveResult{}, errs.Validation("missing_patterns", "at least one path pattern is required")
	}
	if ttl <= 0 {
		return model.ReserveResult{}, errs.Validation("invalid_ttl", "ttl must be greater than zero")
	}

	var result model.ReserveResult
	var produced *model.Event
	err := m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			active, err := m.activeReservations(ctx, tx)
			if err != nil {
				return err
			}

			var conflicts []model.ReservationConflict
			for _, pattern := range patterns {
				var holders []string
				for _, r := range active {
					if r.AgentName == agent {
						continue // self-conflict exemption
					}
					if !exclusive && !r.Exclusive {
						continue // two non-exclusive claims never conflict
					}
					if glob.Conflict([]string{pattern}, r.PathPatterns) {
						holders = append(holders, r.AgentName)
					}
				}
				if len(holders) > 0 {
					conflicts = append(conflicts, model.ReservationConflict{Path: pattern, Holders: dedupeNonEmpty(holders)})
				}
			}

			if len(conflicts) > 0 {
				result = model.ReserveResult{Conflicts: conflicts}
				return tx.Commit() // not an error: a conflict is a normal, reportable outcome
			}

			now := time.Now().UTC()
			id := model.NewReservationID()
			patternsJSON, _ := json.Marshal(patterns)
			expiresAt := now.Add(ttl)

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO reservations(id, project_key, agent, patterns_json, exclusive, reason, reserved_at, expires_at) VALUES (?,?,?,?,?,?,?,?)`,
				id, m.projectKey, agent, string(patternsJSON), exclusive, reason, now.UnixMilli(), expiresAt.UnixMilli(),
			); err != nil {
				return errs.Transient("reservation_insert_failed", "%v", err).Wrap(err)
			}

			ev, err := m.es.AppendTx(ctx, tx, model.EventFileReserved, map[string]interface{}{
				"reservation_id": id, "agent": agent, "patterns": patterns, "exclusive": exclusive,
			})
			if err != nil {
				return err
			}

			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}

			result = model.ReserveResult{Granted: []model.Reservation{{
				ID: id, ProjectKey: m.projectKey, AgentName: agent, PathPatterns: patterns,
				Exclusive: exclusive, Reason: reason, ReservedAt: now, ExpiresAt: expiresAt,
			}}}
			produced = &ev
			return nil
		})
	})
	if err != nil {
		return model.ReserveResult{}, err
	}
	if produced != nil {
		m.es.Published(*produced)
	}
	return result, nil
}

// Release releases agent's reservation. Releasing an already-released
// (or nonexistent) reservation is a no-op ( round-trip law).
func (m *Mail) Release(ctx context.Context, agent, reservationID string) error {
	if err := m.limiter.Allow(agent, "release"); err != nil {
		return err
	}
	return m.releaseWithReason(ctx, reservationID, agent, "released")
}

// releaseWithReason runs its own transaction under the project lock so
// concurrent callers (an explicit Release racing the sweeper) never
// collide on the shared sequence assigner.
func (m *Mail) releaseWithReason(ctx context.Context, reservationID, agent, reason string) error {
	var produced *model.Event
	err := m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			now := time.Now().UTC()
			res, err := tx.ExecContext(ctx,
				`UPDATE reservations SET released_at = ? WHERE id = ? AND project_key = ? AND released_at IS NULL`,
				now.UnixMilli(), reservationID, m.projectKey,
			)
			if err != nil {
				return errs.Transient("release_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return tx.Commit() // no-op: already released or never existed
			}

			ev, err := m.es.AppendTx(ctx, tx, model.EventFileReleased, map[string]interface{}{"reservation_id": reservationID, "agent": agent, "reason": reason})
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
		return err
	}
	if produced != nil {
		m.es.Published(*produced)
	}
	return nil
}

// ConflictsFor reports, for each pattern, the agents currently holding
// an active reservation that could conflict with it.
func (m *Mail) ConflictsFor(ctx context.Context, patterns []string) ([]model.ReservationConflict, error) {
	tx, err := m.d.Conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
	}
	defer tx.Rollback()

	active, err := m.activeReservations(ctx, tx)
	if err != nil {
		return nil, err
	}

	var out []model.ReservationConflict
	for _, pattern := range patterns {
		var holders []string
		for _, r := range active {
			if glob.Conflict([]string{pattern}, r.PathPatterns) {
				holders = append(holders, r.AgentName)
			}
		}
		if len(holders) > 0 {
			out = append(out, model.ReservationConflict{Path: pattern, Holders: dedupeNonEmpty(holders)})
		}
	}
	return out, nil
}

// SweepExpired releases every reservation whose TTL has passed,
// appending a file_released event with reason "ttl_expired" for each
// ( end-to-end scenario 8). Intended to run on a timer at
// RESERVATION_SWEEP_INTERVAL_MS.
func (m *Mail) SweepExpired(ctx context.Context) (int, error) {
	rows, err := m.d.Conn.QueryContext(ctx,
		`SELECT id FROM reservations WHERE project_key = ? AND released_at IS NULL AND expires_at <= ?`,
		m.projectKey, time.Now().UTC().UnixMilli())
	if err != nil {
		return 0, errs.Transient("sweep_query_failed", "%v", err).Wrap(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errs.Corrupted("sweep_scan_failed", "%v", err).Wrap(err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	count := 0
	for _, id := range ids {
		if err := m.releaseWithReason(ctx, id, "system", "ttl_expired"); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// activeReservations returns every non-released, non-expired
// reservation for the project, read through tx so the caller's view is
// consistent with whatever write it performs next.
func (m *Mail) activeReservations(ctx context.Context, tx *sql.Tx) ([]model.Reservation, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, agent, patterns_json, exclusive, COALESCE(reason,''), reserved_at, expires_at
		 FROM reservations WHERE project_key = ? AND released_at IS NULL AND expires_at > ?`,
		m.projectKey, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, errs.Transient("active_reservations_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		var r model.Reservation
		var patternsJSON string
		var reservedMs, expiresMs int64
		if err := rows.Scan(&r.ID, &r.AgentName, &patternsJSON, &r.Exclusive, &r.Reason, &reservedMs, &expiresMs); err != nil {
			return nil, errs.Corrupted("reservation_scan_failed", "%v", err).Wrap(err)
		}
		_ = json.Unmarshal([]byte(patternsJSON), &r.PathPatterns)
		r.ProjectKey = m.projectKey
		r.ReservedAt = time.UnixMilli(reservedMs).UTC()
		r.ExpiresAt = time.UnixMilli(expiresMs).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
