package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// Upsert implements the Mem0-style smart-upsert flow:
// embed the content, gather the top-K similar memories, and either hand
// the decision to the Analyzer or fall back to a content-equality check.
// An absent or failing Analyzer degrades to ADD, never an error.
func (m *Memory) Upsert(ctx context.Context, content string, o model.UpsertOptions) (model.UpsertResult, error) {
	if strings.TrimSpace(content) == "" {
		return model.UpsertResult{}, errs.Validation("empty_content", "content must not be empty")
	}
	if o.Collection == "" {
		o.Collection = "default"
	}

	embedding, err := m.embedContent(ctx, content)
	if err != nil {
		return model.UpsertResult{}, err
	}

	var candidates []model.SearchResult
	if embedding != nil {
		candidates, err = m.topSimilar(ctx, embedding, o.Collection, smartOpsTopK, smartOpsThreshold)
		if err != nil {
			return model.UpsertResult{}, err
		}
	}

	if len(candidates) == 0 {
		return m.Store(ctx, content, model.StoreOptions{
			Collection: o.Collection, Tags: o.Tags, Metadata: o.Metadata, Confidence: o.Confidence,
		})
	}

	for _, c := range candidates {
		if c.Memory.Content == content {
			return model.UpsertResult{ID: c.Memory.ID, Operation: model.OpNoop, Reason: "exact_content_match"}, nil
		}
	}

	if !o.UseSmartOps || m.analyzer == nil {
		res, err := m.Store(ctx, content, model.StoreOptions{
			Collection: o.Collection, Tags: o.Tags, Metadata: o.Metadata, Confidence: o.Confidence,
		})
		if err != nil {
			return res, err
		}
		res.Reason = "analyzer_unavailable"
		return res, nil
	}

	decision, err := m.analyzer.AnalyzeOperation(ctx, content, candidates)
	if err != nil {
		res, serr := m.Store(ctx, content, model.StoreOptions{
			Collection: o.Collection, Tags: o.Tags, Metadata: o.Metadata, Confidence: o.Confidence,
		})
		if serr != nil {
			return res, serr
		}
		res.Reason = "analyzer_failed"
		return res, nil
	}

	switch decision.Op {
	case model.OpUpdate:
		if err := m.updateContent(ctx, decision.TargetID, content, embedding, o); err != nil {
			return model.UpsertResult{}, err
		}
		return model.UpsertResult{ID: decision.TargetID, Operation: model.OpUpdate}, nil
	case model.OpDelete:
		if err := m.Remove(ctx, decision.TargetID); err != nil {
			return model.UpsertResult{}, err
		}
		return model.UpsertResult{ID: decision.TargetID, Operation: model.OpDelete}, nil
	case model.OpNoop:
		return model.UpsertResult{ID: decision.TargetID, Operation: model.OpNoop}, nil
	default:
		return m.Store(ctx, content, model.StoreOptions{
			Collection: o.Collection, Tags: o.Tags, Metadata: o.Metadata, Confidence: o.Confidence,
		})
	}
}

// topSimilar returns the topK memories in collection whose embedding
// cosine-similarity to vec is >= threshold, sorted descending.
func (m *Memory) topSimilar(ctx context.Context, vec []float32, collection string, topK int, threshold float64) ([]model.SearchResult, error) {
	sqlq := `SELECT id, content, collection, COALESCE(metadata_json,'{}'), COALESCE(tags_json,'[]'), COALESCE(auto_tags_json,'[]'),
		confidence, created_at, updated_at, valid_from, valid_until, COALESCE(superseded_by,''), access_count, last_accessed, embedding
		FROM memories WHERE project_key = ?`
	args := []interface{}{m.projectKey}
	if collection != "" {
		sqlq += ` AND collection = ?`
		args = append(args, collection)
	}

	rows, err := m.d.Conn.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errs.Transient("similarity_query_failed", "%v", err).Wrap(err)
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
		sim := cosineSimilarity(vec, emb)
		if sim >= threshold {
			out = append(out, model.SearchResult{Memory: mem, Score: sim})
		}
	}
	sortByScore(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, rows.Err()
}

func (m *Memory) updateContent(ctx context.Context, id, content string, embedding []float32, o model.UpsertOptions) error {
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
			embBlob := encodeEmbedding(embedding)
			var metaJSON, tagsJSON []byte
			if o.Metadata != nil {
				metaJSON, _ = json.Marshal(o.Metadata)
			}
			if o.Tags != nil {
				tagsJSON, _ = json.Marshal(o.Tags)
			}

			rowID, oldContent, err := rowIDAndContentFor(ctx, tx, m.projectKey, id)
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE memories SET content = ?, embedding = COALESCE(?, embedding),
					metadata_json = COALESCE(?, metadata_json), tags_json = COALESCE(?, tags_json), updated_at = ?
				WHERE project_key = ? AND id = ?`,
				content, embBlob, nullableJSON(metaJSON), nullableJSON(tagsJSON), now.UnixMilli(), m.projectKey, id)
			if err != nil {
				return errs.Transient("memory_update_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return errs.NotFound("memory_not_found", "memory %q not found", id)
			}

			// external-content FTS5 tables require the old content on delete.
			if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(memories_fts, rowid, content) VALUES ('delete', ?, ?)`, rowID, oldContent); err != nil {
				return errs.Transient("memory_fts_delete_failed", "%v", err).Wrap(err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(rowid, content) VALUES (?, ?)`, rowID, content); err != nil {
				return errs.Transient("memory_fts_update_failed", "%v", err).Wrap(err)
			}

			ev, err := appendMemoryEvent(ctx, tx, m.es, model.EventMemoryUpdated, id, map[string]interface{}{"id": id})
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

func nullableJSON(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
