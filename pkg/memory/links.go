package memory

import (
	"context"
	"database/sql"

	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// autoLink scans existing memories for similarity >= autoLinkThreshold and
// records up to autoLinkMax "related" links from id to the closest matches
//. Failures here are non-fatal: Store has already committed
// the memory, so a link-scan error is silently dropped, never surfaced.
func (m *Memory) autoLink(ctx context.Context, id string, embedding []float32) {
	rows, err := m.d.Conn.QueryContext(ctx,
		`SELECT id, embedding FROM memories WHERE project_key = ? AND id != ? AND embedding IS NOT NULL`,
		m.projectKey, id)
	if err != nil {
		return
	}
	type cand struct {
		id  string
		sim float64
	}
	var cands []cand
	for rows.Next() {
		var otherID string
		var blob []byte
		if err := rows.Scan(&otherID, &blob); err != nil {
			continue
		}
		other := decodeEmbedding(blob)
		sim := cosineSimilarity(embedding, other)
		if sim >= autoLinkThreshold {
			cands = append(cands, cand{id: otherID, sim: sim})
		}
	}
	rows.Close()

	// keep the strongest autoLinkMax matches
	for i := 0; i < len(cands); i++ {
		for j := i + 1; j < len(cands); j++ {
			if cands[j].sim > cands[i].sim {
				cands[i], cands[j] = cands[j], cands[i]
			}
		}
	}
	if len(cands) > autoLinkMax {
		cands = cands[:autoLinkMax]
	}

	for _, c := range cands {
		_, _ = m.d.Conn.ExecContext(ctx,
			`INSERT INTO memory_links(project_key, source, target, link_type, strength)
			 VALUES (?,?,?,?,?) ON CONFLICT DO NOTHING`,
			m.projectKey, id, c.id, "related", c.sim)
	}
}

// extractEntities asks the Analyzer for entities/relationships mentioned in
// content and records them, deduping entities by (name, entity_type). A nil
// or failing analyzer is a silent no-op.
func (m *Memory) extractEntities(ctx context.Context, memoryID string, content string) {
	if m.analyzer == nil {
		return
	}
	entities, rels, err := m.analyzer.ExtractEntitiesAndRelationships(ctx, content)
	if err != nil {
		return
	}

	nameToID := map[string]string{}
	for _, e := range entities {
		entID, err := m.upsertEntity(ctx, e.Name, e.EntityType)
		if err != nil {
			continue
		}
		nameToID[entityKey(e.Name, e.EntityType)] = entID
		_, _ = m.d.Conn.ExecContext(ctx,
			`INSERT INTO memory_entities(project_key, memory_id, entity_id) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
			m.projectKey, memoryID, entID)
	}

	for _, r := range rels {
		_, _ = m.d.Conn.ExecContext(ctx,
			`INSERT INTO relationships(project_key, subject_entity, predicate, object_entity, confidence, memory_id)
			 VALUES (?,?,?,?,?,?)`,
			m.projectKey, r.SubjectEntity, r.Predicate, r.ObjectEntity, r.Confidence, memoryID)
	}
}

func entityKey(name, entityType string) string { return entityType + "\x00" + name }

func (m *Memory) upsertEntity(ctx context.Context, name, entityType string) (string, error) {
	var id string
	err := m.d.Conn.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE project_key = ? AND name = ? AND entity_type = ?`,
		m.projectKey, name, entityType).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	id = model.NewEntityID()
	_, err = m.d.Conn.ExecContext(ctx,
		`INSERT INTO entities(id, project_key, name, entity_type) VALUES (?,?,?,?)`,
		id, m.projectKey, name, entityType)
	if err != nil {
		return "", err
	}
	return id, nil
}
