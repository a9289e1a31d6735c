// Package memory implements durable, content-addressed semantic memory
// with decay-weighted retrieval, smart (Mem0-style) upsert, temporal
// validity, and a light knowledge graph.
//
// Storage and retrieval are built around pluggable Embedder and
// Analyzer interfaces, so a real embedding service or entity extractor
// can be swapped in without touching the store itself. Either may be
// nil: with no embedder, memories are stored without embeddings and
// search is FTS-only; with no analyzer, tagging, entity extraction and
// smart-upsert classification are skipped. Reads and writes keep working
// in that degraded form rather than hard-failing on a missing external
// dependency. A deterministic stub pair (HashEmbedder, HeuristicAnalyzer)
// is also provided.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// Embedder turns text into a vector. Implementations call out to an
// external embedding service (EMBEDDER_URL/EMBEDDER_MODEL);
// a stub implementation is provided in embedder_stub.go for tests and
// for graceful degradation when no real embedder is configured.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// AnalyzerOperation is the smart-upsert decision returned by Analyzer.
type AnalyzerOperation struct {
	Op       model.UpsertOperation
	TargetID string
}

// Analyzer provides the pluggable intelligence behind auto-tagging,
// entity extraction, and smart upsert. Its
// absence must degrade gracefully, never fail the caller.
type Analyzer interface {
	GenerateTags(ctx context.Context, content string) ([]string, error)
	ExtractEntitiesAndRelationships(ctx context.Context, content string) ([]model.Entity, []model.RelationshipEdge, error)
	AnalyzeOperation(ctx context.Context, content string, candidates []model.SearchResult) (AnalyzerOperation, error)
}

const (
	chunkLimit       = 24000
	chunkOverlap     = 200
	autoLinkThreshold = 0.7
	autoLinkMax      = 5
	smartOpsThreshold = 0.6
	smartOpsTopK     = 5
)

// Memory is the semantic memory store for one project.
type Memory struct {
	d          *db.DB
	es         *eventstore.Store
	projectKey string
	embedder   Embedder
	analyzer   Analyzer
}

// New wires a Memory store to its project's database and event store.
// embedder/analyzer may be nil; every operation degrades gracefully
func New(d *db.DB, es *eventstore.Store, projectKey string, embedder Embedder, analyzer Analyzer) *Memory {
	return &Memory{d: d, es: es, projectKey: projectKey, embedder: embedder, analyzer: analyzer}
}

// Store persists a new memory, embedding its content and optionally
// auto-tagging/auto-linking/extracting entities.
func (m *Memory) Store(ctx context.Context, content string, o model.StoreOptions) (model.UpsertResult, error) {
	if strings.TrimSpace(content) == "" {
		return model.UpsertResult{}, errs.Validation("empty_content", "content must not be empty")
	}
	if o.Collection == "" {
		o.Collection = "default"
	}
	confidence := clamp01(o.Confidence)
	if o.Confidence == 0 {
		confidence = 0.7
	}

	embedding, err := m.embedContent(ctx, content)
	if err != nil {
		return model.UpsertResult{}, err
	}

	id := model.NewMemoryID()
	now := time.Now().UTC()

	var autoTags []string
	if o.AutoTag && m.analyzer != nil {
		if tags, err := m.analyzer.GenerateTags(ctx, content); err == nil {
			autoTags = tags
		}
		// analyzer failure here is a silent skip, not an error.
	}

	var produced model.Event
	err = m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			if err := insertMemoryTx(ctx, tx, m.projectKey, model.Memory{
				ID: id, ProjectKey: m.projectKey, Content: content, Collection: o.Collection,
				Metadata: o.Metadata, Tags: o.Tags, AutoTags: autoTags, Embedding: embedding,
				Confidence: confidence, CreatedAt: now, UpdatedAt: now,
			}); err != nil {
				return err
			}
			ev, err := appendMemoryEvent(ctx, tx, m.es, model.EventMemoryStored, id, map[string]interface{}{"id": id, "collection": o.Collection})
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			produced = ev
			return nil
		})
	})
	if err != nil {
		return model.UpsertResult{}, err
	}
	m.es.Published(produced)

	if o.AutoLink && embedding != nil {
		m.autoLink(ctx, id, embedding)
	}
	if o.ExtractEntities && m.analyzer != nil {
		m.extractEntities(ctx, id, content)
	}

	return model.UpsertResult{ID: id, Operation: model.OpAdd}, nil
}

// embedContent embeds content, chunking and averaging for long inputs
//. Returns (nil, nil) if no embedder is configured —
// callers fall back to FTS-only behavior rather than treating this as
// an error.
func (m *Memory) embedContent(ctx context.Context, content string) ([]float32, error) {
	if m.embedder == nil {
		return nil, nil
	}
	chunks := chunkContent(content, chunkLimit, chunkOverlap)

	var vectors [][]float32
	for _, c := range chunks {
		var vec []float32
		err := db.RetryOp(db.NetworkRetryConfig, isRetryableNetworkErr, func() error {
			v, err := m.embedder.Embed(ctx, c)
			if err != nil {
				return err
			}
			vec = v
			return nil
		})
		if err != nil {
			return nil, errs.ExternalUnavailable("embedding_unavailable", "embedder failed: %v", err).Wrap(err)
		}
		vectors = append(vectors, vec)
	}
	return averageVectors(vectors), nil
}

func isRetryableNetworkErr(err error) bool {
	return err != nil // every embedder error counts as retryable (there is no network/5xx classification), so a failing call is retried up to NetworkRetryConfig.MaxRetries (3) times before it is reported
}

func chunkContent(content string, limit, overlap int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var chunks []string
	for start := 0; start < len(content); {
		end := start + limit
		if end > len(content) {
			end = len(content)
		}
		chunks = append(chunks, content[start:end])
		if end == len(content) {
			break
		}
		start = end - overlap
	}
	return chunks
}

func averageVectors(vs [][]float32) []float32 {
	if len(vs) == 0 {
		return nil
	}
	if len(vs) == 1 {
		return vs[0]
	}
	dim := len(vs[0])
	out := make([]float32, dim)
	for _, v := range vs {
		for i := 0; i < dim && i < len(v); i++ {
			out[i] += v[i]
		}
	}
	for i := range out {
		out[i] /= float32(len(vs))
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func insertMemoryTx(ctx context.Context, tx *sql.Tx, projectKey string, mem model.Memory) error {
	metaJSON, _ := json.Marshal(mem.Metadata)
	tagsJSON, _ := json.Marshal(mem.Tags)
	autoTagsJSON, _ := json.Marshal(mem.AutoTags)
	embBlob := encodeEmbedding(mem.Embedding)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO memories(id, project_key, content, collection, metadata_json, tags_json, auto_tags_json, embedding,
			confidence, created_at, updated_at, valid_from, valid_until, superseded_by, access_count, last_accessed)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,NULL)`,
		mem.ID, projectKey, mem.Content, mem.Collection, string(metaJSON), string(tagsJSON), string(autoTagsJSON), embBlob,
		mem.Confidence, mem.CreatedAt.UnixMilli(), mem.UpdatedAt.UnixMilli(),
		nullableTimePtr(mem.ValidFrom), nullableTimePtr(mem.ValidUntil), nullableString(mem.SupersededBy),
	)
	if err != nil {
		return errs.Transient("memory_insert_failed", "%v", err).Wrap(err)
	}
	rowID, err := rowIDFor(ctx, tx, projectKey, mem.ID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(rowid, content) VALUES (?, ?)`, rowID, mem.Content); err != nil {
		return errs.Transient("memory_fts_insert_failed", "%v", err).Wrap(err)
	}
	return nil
}

func rowIDFor(ctx context.Context, tx *sql.Tx, projectKey, id string) (int64, error) {
	var rowID int64
	err := tx.QueryRowContext(ctx, `SELECT rowid FROM memories WHERE project_key=? AND id=?`, projectKey, id).Scan(&rowID)
	if err != nil {
		return 0, errs.Transient("memory_rowid_lookup_failed", "%v", err).Wrap(err)
	}
	return rowID, nil
}

func rowIDAndContentFor(ctx context.Context, tx *sql.Tx, projectKey, id string) (int64, string, error) {
	var rowID int64
	var content string
	err := tx.QueryRowContext(ctx, `SELECT rowid, content FROM memories WHERE project_key=? AND id=?`, projectKey, id).Scan(&rowID, &content)
	if err == sql.ErrNoRows {
		return 0, "", errs.NotFound("memory_not_found", "memory %q not found", id)
	}
	if err != nil {
		return 0, "", errs.Transient("memory_rowid_lookup_failed", "%v", err).Wrap(err)
	}
	return rowID, content, nil
}

// appendMemoryEvent inserts the event row for a memory mutation inside tx
// via es.AppendTx. Callers must run their whole transaction under
// es.WithProjectLock and call es.Published on the returned event once tx
// has committed.
func appendMemoryEvent(ctx context.Context, tx *sql.Tx, es *eventstore.Store, typ model.EventType, memoryID string, extra map[string]interface{}) (model.Event, error) {
	extra["memory_id"] = memoryID
	return es.AppendTx(ctx, tx, typ, extra)
}

func encodeEmbedding(v []float32) interface{} {
	if v == nil {
		return nil
	}
	b := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		b[i*4] = byte(bits)
		b[i*4+1] = byte(bits >> 8)
		b[i*4+2] = byte(bits >> 16)
		b[i*4+3] = byte(bits >> 24)
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func sortByScore(results []model.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}
