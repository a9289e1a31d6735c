package hive

import (
	"context"
	"testing"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func newTestHive(t *testing.T) *Hive {
	t.Helper()
	d, err := db.Open(t.TempDir(), "project-a")
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	es, err := eventstore.Open(d, "project-a")
	if err != nil {
		t.Fatalf("eventstore.Open: %v", err)
	}
	return New(d, es, "project-a")
}

func TestCreateDefaultsTypeAndPriority(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	c, err := h.Create(ctx, "myproj", CreateOptions{Title: "fix the bug"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.IssueType != model.IssueTask {
		t.Fatalf("Create default type = %q, want task", c.IssueType)
	}
	if c.Priority != 2 {
		t.Fatalf("Create default priority = %d, want 2", c.Priority)
	}
	if c.Status != model.StatusOpen {
		t.Fatalf("Create default status = %q, want open", c.Status)
	}
}

func TestCreateRejectsEmptyTitleAndBadPriority(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	if _, err := h.Create(ctx, "myproj", CreateOptions{}); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Create with no title = %v, want validation error", err)
	}
	if _, err := h.Create(ctx, "myproj", CreateOptions{Title: "x", Priority: 9}); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Create with priority 9 = %v, want validation error", err)
	}
}

func TestCreateSubtaskGeneratesDottedID(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	parent, err := h.Create(ctx, "myproj", CreateOptions{Title: "parent task"})
	if err != nil {
		t.Fatalf("Create parent: %v", err)
	}
	child, err := h.Create(ctx, "myproj", CreateOptions{Title: "child task", ParentID: parent.ID})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	want := parent.ID + ".1"
	if child.ID != want {
		t.Fatalf("child ID = %q, want %q", child.ID, want)
	}
}

func TestCreateEpicWithSubtasks(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	epic, children, err := h.CreateEpic(ctx, "myproj", "big migration", "desc", []model.EpicSubtaskSpec{
		{Title: "step 1"}, {Title: "step 2"},
	})
	if err != nil {
		t.Fatalf("CreateEpic: %v", err)
	}
	if epic.IssueType != model.IssueEpic {
		t.Fatalf("epic type = %q, want epic", epic.IssueType)
	}
	if len(children) != 2 {
		t.Fatalf("CreateEpic children = %d, want 2", len(children))
	}
	for _, c := range children {
		if c.ParentID != epic.ID {
			t.Fatalf("child %q parent = %q, want %q", c.ID, c.ParentID, epic.ID)
		}
	}
}

func TestUpdateEnforcesStatusTransitions(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	c, err := h.Create(ctx, "myproj", CreateOptions{Title: "task"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	closed := model.StatusClosed
	if _, err := h.Update(ctx, c.ID, UpdateOptions{Status: &closed}); err != nil {
		t.Fatalf("transition open->closed: %v", err)
	}

	inProgress := model.StatusInProgress
	if _, err := h.Update(ctx, c.ID, UpdateOptions{Status: &inProgress}); !errs.Is(err, errs.KindConflict) {
		t.Fatalf("transition closed->in_progress = %v, want a conflict error", err)
	}

	tomb := model.StatusTombstone
	if _, err := h.Update(ctx, c.ID, UpdateOptions{Status: &tomb}); !errs.Is(err, errs.KindConflict) {
		t.Fatalf("direct update to tombstone = %v, want a conflict error", err)
	}
}

func TestCloseIsIdempotentAndRecomputesBlocked(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	blocker, err := h.Create(ctx, "myproj", CreateOptions{Title: "blocker"})
	if err != nil {
		t.Fatalf("Create blocker: %v", err)
	}
	dependent, err := h.Create(ctx, "myproj", CreateOptions{Title: "dependent"})
	if err != nil {
		t.Fatalf("Create dependent: %v", err)
	}
	if err := h.AddDependency(ctx, dependent.ID, blocker.ID, model.RelBlockedBy); err != nil {
		t.Fatalf("AddDependency: %v", err)
	}

	got, err := h.Get(ctx, dependent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsBlocked {
		t.Fatal("dependent should be blocked while its blocker is open")
	}

	if _, err := h.Close(ctx, blocker.ID, "done"); err != nil {
		t.Fatalf("Close blocker: %v", err)
	}
	if _, err := h.Close(ctx, blocker.ID, "done again"); err != nil {
		t.Fatalf("Close blocker (idempotent): %v", err)
	}

	got, err = h.Get(ctx, dependent.ID)
	if err != nil {
		t.Fatalf("Get after close: %v", err)
	}
	if got.IsBlocked {
		t.Fatal("dependent should be unblocked once its blocker closes")
	}
}

func TestDeleteIsIdempotentTombstone(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	c, err := h.Create(ctx, "myproj", CreateOptions{Title: "throwaway"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.Delete(ctx, c.ID, "no longer needed"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := h.Delete(ctx, c.ID, "no longer needed"); err != nil {
		t.Fatalf("Delete (idempotent): %v", err)
	}

	got, err := h.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusTombstone {
		t.Fatalf("status after Delete = %q, want tombstone", got.Status)
	}
}
