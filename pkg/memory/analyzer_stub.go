package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// HeuristicAnalyzer is a dependency-free Analyzer used in tests and as the
// default when no LLM-backed analyzer is configured. Its tagging and
// smart-upsert decisions are plain heuristics, not real language
// understanding — good enough to exercise the full Store/Upsert code
// paths without an external call, but callers wanting genuine entity
// extraction or tagging should supply a real Analyzer.
type HeuristicAnalyzer struct{}

func NewHeuristicAnalyzer() *HeuristicAnalyzer { return &HeuristicAnalyzer{} }

// GenerateTags returns the content's most frequent words longer than 4
// characters, capped at 5.
func (a *HeuristicAnalyzer) GenerateTags(ctx context.Context, content string) ([]string, error) {
	counts := map[string]int{}
	for _, w := range strings.Fields(strings.ToLower(content)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}")
		if len(w) > 4 {
			counts[w]++
		}
	}
	type kv struct {
		word  string
		count int
	}
	var kvs []kv
	for w, c := range counts {
		kvs = append(kvs, kv{w, c})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].count != kvs[j].count {
			return kvs[i].count > kvs[j].count
		}
		return kvs[i].word < kvs[j].word
	})
	var tags []string
	for i := 0; i < len(kvs) && i < 5; i++ {
		tags = append(tags, kvs[i].word)
	}
	return tags, nil
}

// ExtractEntitiesAndRelationships is a no-op: heuristic entity extraction
// from free text produces too much noise to be worth the complexity here.
// A real Analyzer (LLM-backed) should be supplied for this capability.
func (a *HeuristicAnalyzer) ExtractEntitiesAndRelationships(ctx context.Context, content string) ([]model.Entity, []model.RelationshipEdge, error) {
	return nil, nil, nil
}

// AnalyzeOperation picks UPDATE when the single best candidate is a very
// close match (>=0.9), ADD otherwise — a coarse stand-in for the
// LLM-driven classification describes.
func (a *HeuristicAnalyzer) AnalyzeOperation(ctx context.Context, content string, candidates []model.SearchResult) (AnalyzerOperation, error) {
	if len(candidates) == 0 {
		return AnalyzerOperation{Op: model.OpAdd}, nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	if best.Score >= 0.9 {
		return AnalyzerOperation{Op: model.OpUpdate, TargetID: best.Memory.ID}, nil
	}
	return AnalyzerOperation{Op: model.OpAdd}, nil
}
