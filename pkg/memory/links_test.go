package memory

import (
	"context"
	"testing"

	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// fakeEntityAnalyzer extracts a fixed entity/relationship set regardless of
// content, so extractEntities has deterministic output to assert against.
type fakeEntityAnalyzer struct{ HeuristicAnalyzer }

func (a *fakeEntityAnalyzer) ExtractEntitiesAndRelationships(ctx context.Context, content string) ([]model.Entity, []model.RelationshipEdge, error) {
	return []model.Entity{
			{Name: "Alice", EntityType: "person"},
			{Name: "Acme Corp", EntityType: "org"},
		}, []model.RelationshipEdge{
			{SubjectEntity: "Alice", Predicate: "works_at", ObjectEntity: "Acme Corp", Confidence: 0.9},
		}, nil
}

func TestAutoLinkConnectsIdenticalContentAboveThreshold(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	first, err := m.Store(ctx, "shared phrasing used twice", model.StoreOptions{})
	if err != nil {
		t.Fatalf("Store first: %v", err)
	}
	second, err := m.Store(ctx, "shared phrasing used twice", model.StoreOptions{AutoLink: true})
	if err != nil {
		t.Fatalf("Store second: %v", err)
	}

	links, err := m.GetLinkedMemories(ctx, second.ID, "")
	if err != nil {
		t.Fatalf("GetLinkedMemories: %v", err)
	}
	found := false
	for _, l := range links {
		if l.Source == second.ID && l.Target == first.ID || l.Target == second.ID && l.Source == first.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("GetLinkedMemories(%s) = %v, want a link to %s (identical content)", second.ID, links, first.ID)
	}
}

func TestExtractEntitiesAndFindByEntity(t *testing.T) {
	d := newTestMemoryNoDeps(t).d
	es, err := eventstore.Open(d, "project-a")
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	m := New(d, es, "project-a", nil, &fakeEntityAnalyzer{})
	ctx := context.Background()

	res, err := m.Store(ctx, "Alice works at Acme Corp", model.StoreOptions{ExtractEntities: true})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	found, err := m.FindByEntity(ctx, "Alice", "")
	if err != nil {
		t.Fatalf("FindByEntity: %v", err)
	}
	if len(found) != 1 || found[0].ID != res.ID {
		t.Fatalf("FindByEntity(Alice) = %v, want [%s]", found, res.ID)
	}

	graph, err := m.GetKnowledgeGraph(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetKnowledgeGraph: %v", err)
	}
	if len(graph.Entities) != 2 {
		t.Fatalf("GetKnowledgeGraph Entities = %v, want 2", graph.Entities)
	}
	if len(graph.Relationships) != 1 || graph.Relationships[0].Predicate != "works_at" {
		t.Fatalf("GetKnowledgeGraph Relationships = %v, want one works_at edge", graph.Relationships)
	}
}
