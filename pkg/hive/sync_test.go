package hive

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestExportJSONLThenMergeJSONLRoundTrips(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	c, err := h.Create(ctx, "myproj", CreateOptions{Title: "exportable"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var buf bytes.Buffer
	if err := h.ExportJSONL(ctx, &buf); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}
	if !strings.Contains(buf.String(), c.ID) {
		t.Fatalf("ExportJSONL output missing cell %s: %q", c.ID, buf.String())
	}

	h2 := newTestHive(t)
	if err := h2.MergeJSONL(ctx, nil, strings.NewReader(""), strings.NewReader(buf.String())); err != nil {
		t.Fatalf("MergeJSONL: %v", err)
	}
	got, err := h2.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get after merge: %v", err)
	}
	if got.Title != "exportable" {
		t.Fatalf("merged cell title = %q, want exportable", got.Title)
	}
}

func TestMergeJSONLOursOnlyAdopted(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	ours := `{"_v":1,"id":"proj-aaa111","title":"ours only","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}` + "\n"

	if err := h.MergeJSONL(ctx, nil, strings.NewReader(ours), strings.NewReader("")); err != nil {
		t.Fatalf("MergeJSONL: %v", err)
	}
	got, err := h.Get(ctx, "proj-aaa111")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "ours only" {
		t.Fatalf("merged cell = %+v, want title 'ours only'", got)
	}
}

func TestMergeJSONLNewerUpdateWinsWithNoCommonBase(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	older := `{"_v":1,"id":"proj-bbb222","title":"older title","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}` + "\n"
	newer := `{"_v":1,"id":"proj-bbb222","title":"newer title","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-06-01T00:00:00Z"}` + "\n"

	if err := h.MergeJSONL(ctx, nil, strings.NewReader(older), strings.NewReader(newer)); err != nil {
		t.Fatalf("MergeJSONL: %v", err)
	}
	got, err := h.Get(ctx, "proj-bbb222")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "newer title" {
		t.Fatalf("merged title = %q, want the cell with the later updated_at to win", got.Title)
	}
}

func TestMergeJSONLUnionsLabelsWhenBothSidesUnchangedFromBase(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()

	base := `{"_v":1,"id":"proj-ccc333","title":"shared","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}` + "\n"
	ours := `{"_v":1,"id":"proj-ccc333","title":"shared","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","labels":["from-ours"]}` + "\n"
	theirs := `{"_v":1,"id":"proj-ccc333","title":"shared","status":"open","priority":2,"issue_type":"task","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z","labels":["from-theirs"]}` + "\n"

	if err := h.MergeJSONL(ctx, strings.NewReader(base), strings.NewReader(ours), strings.NewReader(theirs)); err != nil {
		t.Fatalf("MergeJSONL: %v", err)
	}

	var buf bytes.Buffer
	if err := h.ExportJSONL(ctx, &buf); err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "from-ours") {
		t.Fatalf("expected from-ours label to survive the union merge, got %q", out)
	}
	if !strings.Contains(out, "from-theirs") {
		t.Fatalf("expected from-theirs label to be added by the union merge, got %q", out)
	}
}

func TestMergeJSONLDropsDoublyExpiredTombstones(t *testing.T) {
	h := newTestHive(t)
	ctx := context.Background()
	SetTombstoneTTL(0)
	t.Cleanup(func() { SetTombstoneTTL(30 * 24 * time.Hour) })

	ours := `{"_v":1,"id":"proj-ddd444","title":"gone","status":"tombstone","priority":2,"issue_type":"task","created_at":"2020-01-01T00:00:00Z","updated_at":"2020-01-01T00:00:00Z","deleted_at":"2020-01-01T00:00:00Z"}` + "\n"
	theirs := `{"_v":1,"id":"proj-ddd444","title":"gone","status":"tombstone","priority":2,"issue_type":"task","created_at":"2020-01-01T00:00:00Z","updated_at":"2020-01-01T00:00:00Z","deleted_at":"2020-01-01T00:00:00Z"}` + "\n"

	if err := h.MergeJSONL(ctx, nil, strings.NewReader(ours), strings.NewReader(theirs)); err != nil {
		t.Fatalf("MergeJSONL: %v", err)
	}
	if _, err := h.Get(ctx, "proj-ddd444"); err == nil {
		t.Fatal("a tombstone expired on both sides should be dropped entirely, not adopted")
	}
}
