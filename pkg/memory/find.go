package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

const truncateLen = 200

// decayFactor implements : 0.5 ^ (age_days / (90 * (0.5 + confidence))).
func decayFactor(createdAt time.Time, confidence float64, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	halfLife := 90 * (0.5 + confidence)
	if halfLife <= 0 {
		halfLife = 1
	}
	return math.Pow(0.5, ageDays/halfLife)
}

// Find retrieves memories relevant to query, applying decay-weighted
// scoring and falling back to full-text search when embeddings are
// unavailable.
func (m *Memory) Find(ctx context.Context, query string, o model.FindOptions) ([]model.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errs.Validation("empty_query", "query must not be empty")
	}
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.DecayTier == "" {
		o.DecayTier = model.DecayAll
	}

	degraded := false
	var results []model.SearchResult
	var err error

	if o.FTS || m.embedder == nil {
		results, err = m.findFTS(ctx, query, o)
		degraded = m.embedder == nil && !o.FTS
	} else {
		vec, embedErr := m.embedder.Embed(ctx, query)
		if embedErr != nil {
			results, err = m.findFTS(ctx, query, o)
			degraded = true
		} else {
			results, err = m.findVector(ctx, vec, o)
		}
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []model.SearchResult
	for _, r := range results {
		ageDays := now.Sub(r.Memory.CreatedAt).Hours() / 24
		switch o.DecayTier {
		case model.DecayHot:
			if ageDays > 7 {
				continue
			}
		case model.DecayWarm:
			if ageDays > 30 {
				continue
			}
		}
		df := decayFactor(r.Memory.CreatedAt, r.Memory.Confidence, now)
		r.DecayFactor = df
		r.RawScore = r.Score
		r.Score = r.Score * df
		r.Degraded = degraded
		if !o.Expand && len(r.Memory.Content) > truncateLen {
			r.Memory.Content = r.Memory.Content[:truncateLen] + "..."
		}
		out = append(out, r)
	}
	sortByScore(out)
	if len(out) > o.Limit {
		out = out[:o.Limit]
	}

	if o.TrackAccess {
		for _, r := range out {
			m.bumpAccess(ctx, r.Memory.ID)
		}
	}
	return out, nil
}

func (m *Memory) findFTS(ctx context.Context, query string, o model.FindOptions) ([]model.SearchResult, error) {
	sqlq := `
		SELECT mem.id, mem.content, mem.collection, COALESCE(mem.metadata_json,'{}'), COALESCE(mem.tags_json,'[]'),
			COALESCE(mem.auto_tags_json,'[]'), mem.confidence, mem.created_at, mem.updated_at, mem.valid_from,
			mem.valid_until, COALESCE(mem.superseded_by,''), mem.access_count, mem.last_accessed,
			bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories mem ON mem.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ? AND mem.project_key = ?`
	args := []interface{}{ftsEscape(query), m.projectKey}
	if o.Collection != "" {
		sqlq += ` AND mem.collection = ?`
		args = append(args, o.Collection)
	}
	sqlq += ` ORDER BY rank LIMIT ?`
	args = append(args, o.Limit*4+10)

	rows, err := m.d.Conn.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errs.Transient("fts_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.SearchResult
	for rows.Next() {
		mem, rank, err := scanMemoryWithRank(rows)
		if err != nil {
			return nil, err
		}
		// bm25 is lower-is-better; invert to a positive similarity-like score.
		out = append(out, model.SearchResult{Memory: mem, Score: -rank / (1 - rank)})
	}
	return out, rows.Err()
}

func ftsEscape(q string) string {
	// Quote each token so FTS5 treats punctuation literally rather than
	// as query syntax.
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " OR ")
}

func (m *Memory) findVector(ctx context.Context, queryVec []float32, o model.FindOptions) ([]model.SearchResult, error) {
	sqlq := `SELECT id, content, collection, COALESCE(metadata_json,'{}'), COALESCE(tags_json,'[]'),
		COALESCE(auto_tags_json,'[]'), confidence, created_at, updated_at, valid_from, valid_until,
		COALESCE(superseded_by,''), access_count, last_accessed, embedding FROM memories WHERE project_key = ?`
	args := []interface{}{m.projectKey}
	if o.Collection != "" {
		sqlq += ` AND collection = ?`
		args = append(args, o.Collection)
	}

	rows, err := m.d.Conn.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errs.Transient("vector_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.SearchResult
	for rows.Next() {
		mem, emb, err := scanMemoryWithEmbedding(rows)
		if err != nil {
			return nil, err
		}
		if emb == nil {
			continue
		}
		sim := cosineSimilarity(queryVec, emb)
		out = append(out, model.SearchResult{Memory: mem, Score: sim})
	}
	return out, rows.Err()
}

func scanMemoryWithRank(rows *sql.Rows) (model.Memory, float64, error) {
	var mem model.Memory
	var metaJSON, tagsJSON, autoTagsJSON, supersededBy string
	var createdMs, updatedMs int64
	var validFrom, validUntil, lastAccessed sql.NullInt64
	var rank float64
	err := rows.Scan(&mem.ID, &mem.Content, &mem.Collection, &metaJSON, &tagsJSON, &autoTagsJSON, &mem.Confidence,
		&createdMs, &updatedMs, &validFrom, &validUntil, &supersededBy, &mem.AccessCount, &lastAccessed, &rank)
	if err != nil {
		return model.Memory{}, 0, errs.Corrupted("memory_scan_failed", "%v", err).Wrap(err)
	}
	fillMemoryCommon(&mem, metaJSON, tagsJSON, autoTagsJSON, supersededBy, createdMs, updatedMs, validFrom, validUntil, lastAccessed)
	return mem, rank, nil
}

func scanMemoryPlain(rows *sql.Rows) (model.Memory, error) {
	var mem model.Memory
	var metaJSON, tagsJSON, autoTagsJSON, supersededBy string
	var createdMs, updatedMs int64
	var validFrom, validUntil, lastAccessed sql.NullInt64
	err := rows.Scan(&mem.ID, &mem.Content, &mem.Collection, &metaJSON, &tagsJSON, &autoTagsJSON, &mem.Confidence,
		&createdMs, &updatedMs, &validFrom, &validUntil, &supersededBy, &mem.AccessCount, &lastAccessed)
	if err != nil {
		return model.Memory{}, errs.Corrupted("memory_scan_failed", "%v", err).Wrap(err)
	}
	fillMemoryCommon(&mem, metaJSON, tagsJSON, autoTagsJSON, supersededBy, createdMs, updatedMs, validFrom, validUntil, lastAccessed)
	return mem, nil
}

func scanMemoryWithEmbedding(rows *sql.Rows) (model.Memory, []float32, error) {
	var mem model.Memory
	var metaJSON, tagsJSON, autoTagsJSON, supersededBy string
	var createdMs, updatedMs int64
	var validFrom, validUntil, lastAccessed sql.NullInt64
	var embBlob []byte
	err := rows.Scan(&mem.ID, &mem.Content, &mem.Collection, &metaJSON, &tagsJSON, &autoTagsJSON, &mem.Confidence,
		&createdMs, &updatedMs, &validFrom, &validUntil, &supersededBy, &mem.AccessCount, &lastAccessed, &embBlob)
	if err != nil {
		return model.Memory{}, nil, errs.Corrupted("memory_scan_failed", "%v", err).Wrap(err)
	}
	fillMemoryCommon(&mem, metaJSON, tagsJSON, autoTagsJSON, supersededBy, createdMs, updatedMs, validFrom, validUntil, lastAccessed)
	return mem, decodeEmbedding(embBlob), nil
}

func fillMemoryCommon(mem *model.Memory, metaJSON, tagsJSON, autoTagsJSON, supersededBy string, createdMs, updatedMs int64, validFrom, validUntil, lastAccessed sql.NullInt64) {
	_ = json.Unmarshal([]byte(metaJSON), &mem.Metadata)
	_ = json.Unmarshal([]byte(tagsJSON), &mem.Tags)
	_ = json.Unmarshal([]byte(autoTagsJSON), &mem.AutoTags)
	mem.SupersededBy = supersededBy
	mem.CreatedAt = time.UnixMilli(createdMs).UTC()
	mem.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if validFrom.Valid {
		t := time.UnixMilli(validFrom.Int64).UTC()
		mem.ValidFrom = &t
	}
	if validUntil.Valid {
		t := time.UnixMilli(validUntil.Int64).UTC()
		mem.ValidUntil = &t
	}
	if lastAccessed.Valid {
		t := time.UnixMilli(lastAccessed.Int64).UTC()
		mem.LastAccessed = &t
	}
}

func (m *Memory) bumpAccess(ctx context.Context, id string) {
	_, _ = m.d.Conn.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed = ? WHERE project_key = ? AND id = ?`,
		time.Now().UTC().UnixMilli(), m.projectKey, id)
}

// Get returns a memory by id.
func (m *Memory) Get(ctx context.Context, id string) (model.Memory, error) {
	row := m.d.Conn.QueryRowContext(ctx, `
		SELECT id, content, collection, COALESCE(metadata_json,'{}'), COALESCE(tags_json,'[]'), COALESCE(auto_tags_json,'[]'),
			confidence, created_at, updated_at, valid_from, valid_until, COALESCE(superseded_by,''), access_count, last_accessed
		FROM memories WHERE project_key = ? AND id = ?`, m.projectKey, id)

	var mem model.Memory
	var metaJSON, tagsJSON, autoTagsJSON, supersededBy string
	var createdMs, updatedMs int64
	var validFrom, validUntil, lastAccessed sql.NullInt64
	err := row.Scan(&mem.ID, &mem.Content, &mem.Collection, &metaJSON, &tagsJSON, &autoTagsJSON, &mem.Confidence,
		&createdMs, &updatedMs, &validFrom, &validUntil, &supersededBy, &mem.AccessCount, &lastAccessed)
	if err == sql.ErrNoRows {
		return model.Memory{}, errs.NotFound("memory_not_found", "memory %q not found", id)
	}
	if err != nil {
		return model.Memory{}, errs.Corrupted("memory_scan_failed", "%v", err).Wrap(err)
	}
	fillMemoryCommon(&mem, metaJSON, tagsJSON, autoTagsJSON, supersededBy, createdMs, updatedMs, validFrom, validUntil, lastAccessed)
	mem.ProjectKey = m.projectKey
	return mem, nil
}

// Remove deletes a memory.
func (m *Memory) Remove(ctx context.Context, id string) error {
	var produced *model.Event
	err := m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			rowID, oldContent, err := rowIDAndContentFor(ctx, tx, m.projectKey, id)
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE project_key = ? AND id = ?`, m.projectKey, id)
			if err != nil {
				return errs.Transient("memory_delete_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errs.NotFound("memory_not_found", "memory %q not found", id)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', ?, ?)`, rowID, oldContent); err != nil {
				return errs.Transient("memory_fts_delete_failed", "%v", err).Wrap(err)
			}
			ev, err := appendMemoryEvent(ctx, tx, m.es, model.EventMemoryDeleted, id, map[string]interface{}{"id": id})
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

// List returns every memory in a collection (or all collections).
func (m *Memory) List(ctx context.Context, collection string) ([]model.Memory, error) {
	sqlq := `SELECT id, content, collection, COALESCE(metadata_json,'{}'), COALESCE(tags_json,'[]'), COALESCE(auto_tags_json,'[]'),
		confidence, created_at, updated_at, valid_from, valid_until, COALESCE(superseded_by,''), access_count, last_accessed
		FROM memories WHERE project_key = ?`
	args := []interface{}{m.projectKey}
	if collection != "" {
		sqlq += ` AND collection = ?`
		args = append(args, collection)
	}
	sqlq += ` ORDER BY created_at DESC`

	rows, err := m.d.Conn.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errs.Transient("memory_list_failed", "%v", err).Wrap(err)
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

// Stats summarizes the memory store: count per collection.
func (m *Memory) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := m.d.Conn.QueryContext(ctx, `SELECT collection, COUNT(*) FROM memories WHERE project_key = ? GROUP BY collection`, m.projectKey)
	if err != nil {
		return nil, errs.Transient("memory_stats_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var collection string
		var count int
		if err := rows.Scan(&collection, &count); err != nil {
			return nil, errs.Corrupted("memory_stats_scan_failed", "%v", err).Wrap(err)
		}
		out[collection] = count
	}
	return out, rows.Err()
}

// Validate resets a memory's created_at to now, restarting its decay
// clock.
func (m *Memory) Validate(ctx context.Context, id string) error {
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
			res, err := tx.ExecContext(ctx, `UPDATE memories SET created_at = ? WHERE project_key = ? AND id = ?`, now.UnixMilli(), m.projectKey, id)
			if err != nil {
				return errs.Transient("memory_validate_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errs.NotFound("memory_not_found", "memory %q not found", id)
			}
			ev, err := appendMemoryEvent(ctx, tx, m.es, model.EventMemoryValidated, id, map[string]interface{}{"id": id})
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
