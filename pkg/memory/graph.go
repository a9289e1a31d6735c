package memory

import (
	"context"

	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// GetLinkedMemories returns the memories linked to id, optionally filtered
// to a single link type ("related" is currently the only one produced by
// autoLink, but the schema allows others).
func (m *Memory) GetLinkedMemories(ctx context.Context, id string, linkType string) ([]model.MemoryLink, error) {
	sqlq := `SELECT source, target, link_type, strength FROM memory_links
		WHERE project_key = ? AND (source = ? OR target = ?)`
	args := []interface{}{m.projectKey, id, id}
	if linkType != "" {
		sqlq += ` AND link_type = ?`
		args = append(args, linkType)
	}
	sqlq += ` ORDER BY strength DESC`

	rows, err := m.d.Conn.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errs.Transient("memory_links_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.MemoryLink
	for rows.Next() {
		var l model.MemoryLink
		if err := rows.Scan(&l.Source, &l.Target, &l.LinkType, &l.Strength); err != nil {
			return nil, errs.Corrupted("memory_link_scan_failed", "%v", err).Wrap(err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// FindByEntity returns every memory that mentions an entity with the given
// name (and, optionally, entity type).
func (m *Memory) FindByEntity(ctx context.Context, name string, entityType string) ([]model.Memory, error) {
	sqlq := `
		SELECT mem.id, mem.content, mem.collection, COALESCE(mem.metadata_json,'{}'), COALESCE(mem.tags_json,'[]'),
			COALESCE(mem.auto_tags_json,'[]'), mem.confidence, mem.created_at, mem.updated_at, mem.valid_from,
			mem.valid_until, COALESCE(mem.superseded_by,''), mem.access_count, mem.last_accessed
		FROM memories mem
		JOIN memory_entities me ON me.project_key = mem.project_key AND me.memory_id = mem.id
		JOIN entities e ON e.project_key = me.project_key AND e.id = me.entity_id
		WHERE mem.project_key = ? AND e.name = ?`
	args := []interface{}{m.projectKey, name}
	if entityType != "" {
		sqlq += ` AND e.entity_type = ?`
		args = append(args, entityType)
	}

	rows, err := m.d.Conn.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, errs.Transient("find_by_entity_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		mem, err := scanMemoryPlain(rows)
		if err != nil {
			return nil, err
		}
		mem.ProjectKey = m.projectKey
		out = append(out, mem)
	}
	return out, rows.Err()
}

// GetKnowledgeGraph returns the entities and relationships attached to a
// memory ("light knowledge graph").
func (m *Memory) GetKnowledgeGraph(ctx context.Context, memoryID string) (model.KnowledgeGraph, error) {
	entRows, err := m.d.Conn.QueryContext(ctx, `
		SELECT e.id, e.name, e.entity_type FROM entities e
		JOIN memory_entities me ON me.project_key = e.project_key AND me.entity_id = e.id
		WHERE e.project_key = ? AND me.memory_id = ?`, m.projectKey, memoryID)
	if err != nil {
		return model.KnowledgeGraph{}, errs.Transient("kg_entities_query_failed", "%v", err).Wrap(err)
	}
	var entities []model.Entity
	entityNames := map[string]bool{}
	for entRows.Next() {
		var e model.Entity
		if err := entRows.Scan(&e.ID, &e.Name, &e.EntityType); err != nil {
			entRows.Close()
			return model.KnowledgeGraph{}, errs.Corrupted("kg_entity_scan_failed", "%v", err).Wrap(err)
		}
		e.ProjectKey = m.projectKey
		entities = append(entities, e)
		entityNames[e.Name] = true
	}
	entRows.Close()

	relRows, err := m.d.Conn.QueryContext(ctx,
		`SELECT id, subject_entity, predicate, object_entity, confidence, memory_id FROM relationships
		 WHERE project_key = ? AND memory_id = ?`, m.projectKey, memoryID)
	if err != nil {
		return model.KnowledgeGraph{}, errs.Transient("kg_relationships_query_failed", "%v", err).Wrap(err)
	}
	defer relRows.Close()
	var rels []model.RelationshipEdge
	for relRows.Next() {
		var r model.RelationshipEdge
		if err := relRows.Scan(&r.ID, &r.SubjectEntity, &r.Predicate, &r.ObjectEntity, &r.Confidence, &r.MemoryID); err != nil {
			return model.KnowledgeGraph{}, errs.Corrupted("kg_relationship_scan_failed", "%v", err).Wrap(err)
		}
		rels = append(rels, r)
	}
	return model.KnowledgeGraph{Entities: entities, Relationships: rels}, relRows.Err()
}
