package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// memoryRecord is the JSONL wire shape for a memory. Embedding is omitted
// on export (it is large and reproducible) and regenerated on import if an
// embedder is configured.
type memoryRecord struct {
	ID           string            `json:"id"`
	Content      string            `json:"content"`
	Collection   string            `json:"collection"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	AutoTags     []string          `json:"auto_tags,omitempty"`
	Confidence   float64           `json:"confidence"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	ValidFrom    *time.Time        `json:"valid_from,omitempty"`
	ValidUntil   *time.Time        `json:"valid_until,omitempty"`
	SupersededBy string            `json:"superseded_by,omitempty"`
}

func toRecord(mem model.Memory) memoryRecord {
	return memoryRecord{
		ID: mem.ID, Content: mem.Content, Collection: mem.Collection, Metadata: mem.Metadata,
		Tags: mem.Tags, AutoTags: mem.AutoTags, Confidence: mem.Confidence,
		CreatedAt: mem.CreatedAt, UpdatedAt: mem.UpdatedAt,
		ValidFrom: mem.ValidFrom, ValidUntil: mem.ValidUntil, SupersededBy: mem.SupersededBy,
	}
}

// ExportJSONL writes every memory in the project as newline-delimited
// JSON, one record per line, sorted by id for deterministic diffs.
func (m *Memory) ExportJSONL(ctx context.Context, w io.Writer) error {
	memories, err := m.List(ctx, "")
	if err != nil {
		return err
	}
	sort.Slice(memories, func(i, j int) bool { return memories[i].ID < memories[j].ID })
	enc := json.NewEncoder(w)
	for _, mem := range memories {
		if err := enc.Encode(toRecord(mem)); err != nil {
			return errs.Transient("export_write_failed", "%v", err).Wrap(err)
		}
	}
	return nil
}

// ImportStrategy controls how ImportJSONL reconciles incoming records
// against existing memories of the same id.
type ImportStrategy string

const (
	ImportSkipExisting ImportStrategy = "skip_existing"
	ImportUpsert       ImportStrategy = "upsert"
)

// ImportJSONL reads newline-delimited memory records and applies them
// under the given strategy. Embeddings are regenerated from content if an
// embedder is configured; otherwise the memory is stored without one and
// falls back to FTS-only retrieval.
func (m *Memory) ImportJSONL(ctx context.Context, r io.Reader, strategy ImportStrategy) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	imported := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec memoryRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return imported, errs.Corrupted("import_decode_failed", "%v", err).Wrap(err)
		}

		existing, err := m.Get(ctx, rec.ID)
		exists := err == nil
		if err != nil && !errs.Is(err, errs.KindNotFound) {
			return imported, err
		}

		if exists {
			if strategy == ImportSkipExisting {
				continue
			}
			if !rec.UpdatedAt.After(existing.UpdatedAt) {
				continue
			}
			if err := m.replaceMemory(ctx, rec); err != nil {
				return imported, err
			}
			imported++
			continue
		}

		if err := m.insertImported(ctx, rec); err != nil {
			return imported, err
		}
		imported++
	}
	if err := sc.Err(); err != nil {
		return imported, errs.Transient("import_read_failed", "%v", err).Wrap(err)
	}
	return imported, nil
}

func (m *Memory) insertImported(ctx context.Context, rec memoryRecord) error {
	embedding, _ := m.embedContent(ctx, rec.Content)
	return db.RetrySQLite(func() error {
		tx, err := m.d.Conn.BeginTx(ctx, nil)
		if err != nil {
			return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
		}
		defer tx.Rollback()

		if err := insertMemoryTx(ctx, tx, m.projectKey, model.Memory{
			ID: rec.ID, ProjectKey: m.projectKey, Content: rec.Content, Collection: rec.Collection,
			Metadata: rec.Metadata, Tags: rec.Tags, AutoTags: rec.AutoTags, Embedding: embedding,
			Confidence: rec.Confidence, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
			ValidFrom: rec.ValidFrom, ValidUntil: rec.ValidUntil, SupersededBy: rec.SupersededBy,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (m *Memory) replaceMemory(ctx context.Context, rec memoryRecord) error {
	if err := m.Remove(ctx, rec.ID); err != nil && !errs.Is(err, errs.KindNotFound) {
		return err
	}
	return m.insertImported(ctx, rec)
}
