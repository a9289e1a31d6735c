package memory

import (
	"context"
	"database/sql"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

const maxSupersessionHops = 1000

// FindValidAt returns every memory in collection whose validity window
// ([valid_from, valid_until)) contains at, or which carries no validity
// window at all ( temporal validity).
func (m *Memory) FindValidAt(ctx context.Context, collection string, at time.Time) ([]model.Memory, error) {
	atMs := at.UTC().UnixMilli()
	sqlq := `SELECT id, content, collection, COALESCE(metadata_json,'{}'), COALESCE(tags_json,'[]'), COALESCE(auto_tags_json,'[]'),
		confidence, created_at, updated_at, valid_from, valid_until, COALESCE(superseded_by,''), access_count, last_accessed
		FROM memories WHERE project_key = ?
		AND (valid_from IS NULL OR valid_from <= ?)
		AND (valid_until IS NULL OR valid_until > ?)`
	args := []interface{}{m.projectKey, atMs, atMs}
	if collection != "" {
		sqlq += ` AND collection = ?`
		args = append(args, collection)
	}
	sqlq += ` ORDER BY created_at DESC`

	rows, err := m.d.Conn.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errs.Transient("memory_valid_at_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var mem model.Memory
		var metaJSON, tagsJSON, autoTagsJSON, supersededBy string
		var createdMs, updatedMs int64
		var validFrom, validUntil, lastAccessed sql.NullInt64
		if err := rows.Scan(&mem.ID, &mem.Content, &mem.Collection, &metaJSON, &tagsJSON, &autoTagsJSON, &mem.Confidence,
			&createdMs, &updatedMs, &validFrom, &validUntil, &supersededBy, &mem.AccessCount, &lastAccessed); err != nil {
			return nil, errs.Corrupted("memory_scan_failed", "%v", err).Wrap(err)
		}
		fillMemoryCommon(&mem, metaJSON, tagsJSON, autoTagsJSON, supersededBy, createdMs, updatedMs, validFrom, validUntil, lastAccessed)
		mem.ProjectKey = m.projectKey
		out = append(out, mem)
	}
	return out, rows.Err()
}

// Supersede atomically closes oldID's validity window and opens newID's,
// linking old -> new: old.valid_until = now, old.superseded_by
// = newID, new.valid_from = now.
func (m *Memory) Supersede(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return errs.Validation("self_supersede", "a memory cannot supersede itself")
	}
	var produced *model.Event
	err := m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			now := time.Now().UTC().UnixMilli()

			res, err := tx.ExecContext(ctx,
				`UPDATE memories SET valid_until = ?, superseded_by = ?, updated_at = ? WHERE project_key = ? AND id = ?`,
				now, newID, now, m.projectKey, oldID)
			if err != nil {
				return errs.Transient("supersede_old_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errs.NotFound("memory_not_found", "memory %q not found", oldID)
			}

			res, err = tx.ExecContext(ctx,
				`UPDATE memories SET valid_from = ?, updated_at = ? WHERE project_key = ? AND id = ?`,
				now, now, m.projectKey, newID)
			if err != nil {
				return errs.Transient("supersede_new_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errs.NotFound("memory_not_found", "memory %q not found", newID)
			}

			ev, err := appendMemoryEvent(ctx, tx, m.es, model.EventMemoryUpdated, oldID, map[string]interface{}{
				"id": oldID, "superseded_by": newID,
			})
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

// GetSupersessionChain walks forward from id through superseded_by links,
// returning the full chain starting at id. A cycle (which should never
// occur, but data can be hand-edited) is detected via a hop limit rather
// than trusted to terminate naturally.
func (m *Memory) GetSupersessionChain(ctx context.Context, id string) ([]model.Memory, error) {
	var chain []model.Memory
	seen := map[string]bool{}
	cur := id
	for i := 0; i < maxSupersessionHops; i++ {
		if cur == "" || seen[cur] {
			break
		}
		seen[cur] = true
		mem, err := m.Get(ctx, cur)
		if err != nil {
			if errs.Is(err, errs.KindNotFound) && len(chain) > 0 {
				break
			}
			return nil, err
		}
		chain = append(chain, mem)
		cur = mem.SupersededBy
	}
	return chain, nil
}
