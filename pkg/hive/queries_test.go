package hive

import (
	"context"
	"testing"

	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func TestQueryDefaultsExcludeTombstonesAndApplyLimit(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	c, _ := h.Create(ctx, "myproj", CreateOptions{Title: "visible"})
	doomed, _ := h.Create(ctx, "myproj", CreateOptions{Title: "gone"})
	if err := h.Delete(ctx, doomed.ID, "cleanup"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	cells, err := h.Query(ctx, model.CellQuery{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(cells) != 1 || cells[0].ID != c.ID {
		t.Fatalf("Query() = %v, want only the non-tombstoned cell", cells)
	}
}

func TestReadyExcludesBlockedAndConflicting(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	free, _ := h.Create(ctx, "myproj", CreateOptions{Title: "free", Files: []string{"a.go"}})
	blocker, _ := h.Create(ctx, "myproj", CreateOptions{Title: "blocker"})
	blocked, _ := h.Create(ctx, "myproj", CreateOptions{Title: "blocked", Files: []string{"b.go"}})
	if err := h.AddDependency(ctx, blocked.ID, blocker.ID, model.RelBlockedBy); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}
	conflicted, _ := h.Create(ctx, "myproj", CreateOptions{Title: "conflicted", Files: []string{"c.go"}})

	ready, err := h.Ready(ctx, func(files []string) bool {
		for _, f := range files {
			if f == "c.go" {
				return true
			}
		}
		return false
	})
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}

	ids := map[string]bool{}
	for _, c := range ready {
		ids[c.ID] = true
	}
	if !ids[free.ID] {
		t.Fatalf("Ready() = %v, want the free cell included", ready)
	}
	if ids[blocked.ID] {
		t.Fatalf("Ready() = %v, want the blocked cell excluded", ready)
	}
	if ids[conflicted.ID] {
		t.Fatalf("Ready() = %v, want the reservation-conflicted cell excluded", ready)
	}
	_ = blocker
}

func TestBlockedReturnsCellsWithBlockers(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	blocker, _ := h.Create(ctx, "myproj", CreateOptions{Title: "blocker"})
	dependent, _ := h.Create(ctx, "myproj", CreateOptions{Title: "dependent"})
	if err := h.AddDependency(ctx, dependent.ID, blocker.ID, model.RelBlockedBy); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	blocked, err := h.Blocked(ctx)
	if err != nil {
		t.Fatalf("Blocked: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Cell.ID != dependent.ID {
		t.Fatalf("Blocked() = %v, want one entry for dependent", blocked)
	}
	if len(blocked[0].Blockers) != 1 || blocked[0].Blockers[0].ID != blocker.ID {
		t.Fatalf("Blocked()[0].Blockers = %v, want [%s]", blocked[0].Blockers, blocker.ID)
	}
}

func TestEpicsEligibleForClosureRequiresAllChildrenClosed(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	epic, children, err := h.CreateEpic(ctx, "myproj", "epic", "", []model.EpicSubtaskSpec{{Title: "s1"}, {Title: "s2"}})
	if err != nil {
		t.Fatalf("CreateEpic: %v", err)
	}

	none, err := h.EpicsEligibleForClosure(ctx)
	if err != nil {
		t.Fatalf("EpicsEligibleForClosure: %v", err)
	}
	for _, e := range none {
		if e.ID == epic.ID {
			t.Fatal("epic should not be eligible while children are open")
		}
	}

	for _, c := range children {
		if _, err := h.Close(ctx, c.ID, "done"); err != nil {
			t.Fatalf("Close %s: %v", c.ID, err)
		}
	}

	eligible, err := h.EpicsEligibleForClosure(ctx)
	if err != nil {
		t.Fatalf("EpicsEligibleForClosure: %v", err)
	}
	found := false
	for _, e := range eligible {
		if e.ID == epic.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("EpicsEligibleForClosure() = %v, want %s once all children are closed", eligible, epic.ID)
	}
}

func TestResolvePartialIDDisambiguates(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	c, err := h.Create(ctx, "myproj", CreateOptions{Title: "unique title", ID: "myproj-abc123"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	found, ambiguous, err := h.ResolvePartialID(ctx, "myproj-abc")
	if err != nil {
		t.Fatalf("ResolvePartialID: %v", err)
	}
	if ambiguous || found != c.ID {
		t.Fatalf("ResolvePartialID(prefix) = (%q, %v), want (%q, false)", found, ambiguous, c.ID)
	}

	if _, _, err := h.ResolvePartialID(ctx, "no-such-prefix"); err == nil {
		t.Fatal("ResolvePartialID(unknown prefix) should error")
	}
}

func TestLabelsAndComments(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	c, err := h.Create(ctx, "myproj", CreateOptions{Title: "task"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.AddLabel(ctx, c.ID, "urgent"); err != nil {
		t.Fatalf("AddLabel: %v", err)
	}
	if err := h.AddLabel(ctx, c.ID, "urgent"); err != nil {
		t.Fatalf("AddLabel (duplicate, should no-op): %v", err)
	}
	if err := h.RemoveLabel(ctx, c.ID, "urgent"); err != nil {
		t.Fatalf("RemoveLabel: %v", err)
	}

	comment, err := h.AddComment(ctx, c.ID, "alice", "looks good")
	if err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if comment.Body != "looks good" || comment.Author != "alice" {
		t.Fatalf("AddComment returned %+v", comment)
	}
}
