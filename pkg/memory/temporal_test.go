package memory

import (
	"context"
	"testing"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func TestFindValidAtReturnsMemoriesWithNoValidityWindow(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	if _, err := m.Store(ctx, "always valid", model.StoreOptions{}); err != nil {
		t.Fatalf("Store: %v", err)
	}

	valid, err := m.FindValidAt(ctx, "", time.Now())
	if err != nil {
		t.Fatalf("FindValidAt: %v", err)
	}
	if len(valid) != 1 {
		t.Fatalf("FindValidAt() = %v, want the undated memory included", valid)
	}
}

func TestSupersedeClosesOldOpensNew(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	oldRes, err := m.Store(ctx, "old fact", model.StoreOptions{})
	if err != nil {
		t.Fatalf("Store old: %v", err)
	}
	newRes, err := m.Store(ctx, "new fact", model.StoreOptions{})
	if err != nil {
		t.Fatalf("Store new: %v", err)
	}

	if err := m.Supersede(ctx, oldRes.ID, newRes.ID); err != nil {
		t.Fatalf("Supersede: %v", err)
	}

	oldMem, err := m.Get(ctx, oldRes.ID)
	if err != nil {
		t.Fatalf("Get old: %v", err)
	}
	if oldMem.SupersededBy != newRes.ID || oldMem.ValidUntil == nil {
		t.Fatalf("old memory after Supersede = %+v, want superseded_by=%s and a closed validity window", oldMem, newRes.ID)
	}

	newMem, err := m.Get(ctx, newRes.ID)
	if err != nil {
		t.Fatalf("Get new: %v", err)
	}
	if newMem.ValidFrom == nil {
		t.Fatal("new memory after Supersede should have a valid_from set")
	}
}

func TestSupersedeRejectsSelfSupersede(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	res, err := m.Store(ctx, "content", model.StoreOptions{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := m.Supersede(ctx, res.ID, res.ID); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Supersede(x, x) = %v, want validation error", err)
	}
}

func TestSupersedeUnknownOldID(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	res, err := m.Store(ctx, "content", model.StoreOptions{})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := m.Supersede(ctx, "mem-nonexistent", res.ID); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("Supersede(unknown old) = %v, want not_found", err)
	}
}

func TestGetSupersessionChainFollowsLinks(t *testing.T) {
	m := newTestMemoryNoDeps(t)
	ctx := context.Background()

	v1, _ := m.Store(ctx, "version 1", model.StoreOptions{})
	v2, _ := m.Store(ctx, "version 2", model.StoreOptions{})
	v3, _ := m.Store(ctx, "version 3", model.StoreOptions{})

	if err := m.Supersede(ctx, v1.ID, v2.ID); err != nil {
		t.Fatalf("Supersede v1->v2: %v", err)
	}
	if err := m.Supersede(ctx, v2.ID, v3.ID); err != nil {
		t.Fatalf("Supersede v2->v3: %v", err)
	}

	chain, err := m.GetSupersessionChain(ctx, v1.ID)
	if err != nil {
		t.Fatalf("GetSupersessionChain: %v", err)
	}
	if len(chain) != 3 || chain[0].ID != v1.ID || chain[2].ID != v3.ID {
		t.Fatalf("GetSupersessionChain(v1) = %v, want [v1 v2 v3]", chain)
	}
}
