package memory

import (
	"context"
	"testing"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func backdate(t *testing.T, m *Memory, id string, age time.Duration) {
	t.Helper()
	createdAt := time.Now().UTC().Add(-age)
	_, err := m.d.Conn.Exec(`UPDATE memories SET created_at = ? WHERE project_key = ? AND id = ?`, createdAt.UnixMilli(), m.projectKey, id)
	if err != nil {
		t.Fatalf("backdate: %v", err)
	}
}

func TestFindRejectsEmptyQuery(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Find(context.Background(), "  ", model.FindOptions{}); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Find(empty query) = %v, want validation error", err)
	}
}

func TestFindUsesFTSWhenNoEmbedder(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	if _, err := m.Store(ctx, "the quarterly report covers revenue growth", model.StoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := m.Store(ctx, "unrelated notes about lunch plans", model.StoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := m.Find(ctx, "quarterly revenue", model.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("Find should return the FTS match")
	}
	if !results[0].Degraded {
		t.Fatal("Find without an embedder should report Degraded=true")
	}
}

func TestFindTruncatesContentUnlessExpand(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	long := ""
	for i := 0; i < 50; i++ {
		long += "keyword appears in this long passage repeatedly to pad it out. "
	}
	if _, err := m.Store(ctx, long, model.StoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	truncated, err := m.Find(ctx, "keyword", model.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(truncated) == 0 || len(truncated[0].Memory.Content) >= len(long) {
		t.Fatalf("Find without Expand should truncate content, got len %d", len(truncated[0].Memory.Content))
	}

	expanded, err := m.Find(ctx, "keyword", model.FindOptions{Expand: true})
	if err != nil {
		t.Fatalf("Find(Expand): %v", err)
	}
	if len(expanded) == 0 || expanded[0].Memory.Content != long {
		t.Fatal("Find with Expand=true should return the full content")
	}
}

func TestFindDecayTierExcludesOldMemories(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	res, err := m.Store(ctx, "an aged note about onboarding", model.StoreOptions{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	backdate(t, m, res.ID, 40*24*time.Hour)

	hot, err := m.Find(ctx, "onboarding", model.FindOptions{DecayTier: model.DecayHot})
	if err != nil {
		t.Fatalf("Find(hot): %v", err)
	}
	if len(hot) != 0 {
		t.Fatalf("Find(DecayHot) should exclude a 40-day-old memory, got %v", hot)
	}

	all, err := m.Find(ctx, "onboarding", model.FindOptions{DecayTier: model.DecayAll})
	if err != nil {
		t.Fatalf("Find(all): %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("Find(DecayAll) should still include the aged memory, got %v", all)
	}
	if all[0].Score >= all[0].RawScore {
		t.Fatalf("an aged memory's decayed score (%v) should be lower than its raw score (%v)", all[0].Score, all[0].RawScore)
	}
}

func TestFindTrackAccessBumpsAccessCount(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	res, err := m.Store(ctx, "track my access please", model.StoreOptions{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	if _, err := m.Find(ctx, "access", model.FindOptions{TrackAccess: true}); err != nil {
		t.Fatalf("Find: %v", err)
	}

	mem, err := m.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mem.AccessCount != 1 {
		t.Fatalf("AccessCount = %d, want 1 after Find with TrackAccess", mem.AccessCount)
	}
}

func TestFindVectorRanksIdenticalContentHighest(t *testing.T) {
	m := newTestMemory(t)
	ctx := context.Background()

	target := "the exact phrase we will search for"
	if _, err := m.Store(ctx, target, model.StoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, err := m.Store(ctx, "something completely different and unrelated", model.StoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	results, err := m.Find(ctx, target, model.FindOptions{})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(results) == 0 || results[0].Memory.Content != target {
		t.Fatalf("Find(vector) = %v, want the identical-content memory ranked first", results)
	}
}
