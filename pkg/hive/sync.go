package hive

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

// cellRecord is the JSONL wire shape for a cell, schema-versioned via
// _v.
type cellRecord struct {
	V           int               `json:"_v"`
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      model.CellStatus  `json:"status"`
	Priority    int               `json:"priority"`
	IssueType   model.IssueType   `json:"issue_type"`
	ParentID    string            `json:"parent_id,omitempty"`
	Assignee    string            `json:"assignee,omitempty"`
	Files       []string          `json:"files,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Dependencies []depRecord      `json:"dependencies,omitempty"`
	Comments     []model.Comment  `json:"comments,omitempty"`
}

type depRecord struct {
	ToCell       string              `json:"to_cell"`
	Relationship model.Relationship  `json:"relationship"`
}

const cellSchemaVersion = 1
// tombstoneTTL is the window during which a tombstoned cell still wins
// sync conflicts against a resurrection attempt. Mutable
// via SetTombstoneTTL so a Substrate can apply HIVE_TOMBSTONE_TTL_DAYS;
// defaults to the spec's 30-day value.
var tombstoneTTL = 30 * 24 * time.Hour

// SetTombstoneTTL overrides the tombstone TTL used by MergeJSONL.
func SetTombstoneTTL(d time.Duration) { tombstoneTTL = d }

func toRecord(c model.Cell, labels []string, deps []depRecord, comments []model.Comment) cellRecord {
	return cellRecord{
		V: cellSchemaVersion, ID: c.ID, Title: c.Title, Description: c.Description, Status: c.Status,
		Priority: c.Priority, IssueType: c.IssueType, ParentID: c.ParentID, Assignee: c.Assignee,
		Files: c.Files, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt, ClosedAt: c.ClosedAt,
		DeletedAt: c.DeletedAt, Metadata: c.Metadata, Labels: labels, Dependencies: deps, Comments: comments,
	}
}

func (r cellRecord) toCell(projectKey string) model.Cell {
	return model.Cell{
		ID: r.ID, ProjectKey: projectKey, Title: r.Title, Description: r.Description, Status: r.Status,
		Priority: r.Priority, IssueType: r.IssueType, ParentID: r.ParentID, Assignee: r.Assignee,
		Files: r.Files, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, ClosedAt: r.ClosedAt,
		DeletedAt: r.DeletedAt, Metadata: r.Metadata,
	}
}

// ExportJSONL writes every live cell, plus tombstones still within the
// TTL window, as one sorted-by-id JSON line each.
func (h *Hive) ExportJSONL(ctx context.Context, w io.Writer) error {
	cells, err := h.queryCells(ctx, `
		SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
			COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key = ?`, h.projectKey)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	sort.Slice(cells, func(i, j int) bool { return cells[i].ID < cells[j].ID })

	bw := bufio.NewWriter(w)
	for _, c := range cells {
		if c.Status == model.StatusTombstone {
			if c.DeletedAt == nil || now.Sub(*c.DeletedAt) > tombstoneTTL {
				continue
			}
		}
		labels, deps, comments, err := h.loadCellExtras(ctx, c.ID)
		if err != nil {
			return err
		}
		rec := toRecord(c, labels, deps, comments)
		line, err := json.Marshal(rec)
		if err != nil {
			return errs.Validation("export_encode_failed", "%v", err)
		}
		if _, err := bw.Write(append(line, '\n')); err != nil {
			return errs.Transient("export_write_failed", "%v", err).Wrap(err)
		}
	}
	return bw.Flush()
}

func (h *Hive) loadCellExtras(ctx context.Context, cellID string) ([]string, []depRecord, []model.Comment, error) {
	var labels []string
	rows, err := h.d.Conn.QueryContext(ctx, `SELECT name FROM cell_labels WHERE project_key=? AND cell_id=?`, h.projectKey, cellID)
	if err != nil {
		return nil, nil, nil, errs.Transient("labels_query_failed", "%v", err).Wrap(err)
	}
	for rows.Next() {
		var n string
		rows.Scan(&n)
		labels = append(labels, n)
	}
	rows.Close()

	var deps []depRecord
	rows, err = h.d.Conn.QueryContext(ctx, `SELECT to_cell, relationship FROM cell_dependencies WHERE project_key=? AND from_cell=?`, h.projectKey, cellID)
	if err != nil {
		return nil, nil, nil, errs.Transient("deps_query_failed", "%v", err).Wrap(err)
	}
	for rows.Next() {
		var d depRecord
		var rel string
		rows.Scan(&d.ToCell, &rel)
		d.Relationship = model.Relationship(rel)
		deps = append(deps, d)
	}
	rows.Close()

	var comments []model.Comment
	rows, err = h.d.Conn.QueryContext(ctx, `SELECT id, author, body, created_at FROM cell_comments WHERE project_key=? AND cell_id=? ORDER BY id ASC`, h.projectKey, cellID)
	if err != nil {
		return nil, nil, nil, errs.Transient("comments_query_failed", "%v", err).Wrap(err)
	}
	for rows.Next() {
		var cm model.Comment
		var createdMs int64
		rows.Scan(&cm.ID, &cm.Author, &cm.Body, &createdMs)
		cm.CellID = cellID
		cm.CreatedAt = time.UnixMilli(createdMs).UTC()
		comments = append(comments, cm)
	}
	rows.Close()
	return labels, deps, comments, nil
}

func readJSONL(r io.Reader) (map[string]cellRecord, error) {
	out := map[string]cellRecord{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec cellRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, errs.Corrupted("import_decode_failed", "%v", err).Wrap(err)
		}
		out[rec.ID] = rec
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Transient("import_read_failed", "%v", err).Wrap(err)
	}
	return out, nil
}

const clockSkewGrace = 2 * time.Minute

// MergeJSONL performs a three-way merge of base/ours/theirs cell sets
// and applies the result, appending one hive_synced event for every
// adopted cell (no cell_created/cell_updated events are appended for
// merged cells) so the event log records each adoption. base may
// be nil if no common ancestor is available.
func (h *Hive) MergeJSONL(ctx context.Context, base, ours, theirs io.Reader) error {
	var baseCells map[string]cellRecord
	var err error
	if base != nil {
		baseCells, err = readJSONL(base)
		if err != nil {
			return err
		}
	} else {
		baseCells = map[string]cellRecord{}
	}
	oursCells, err := readJSONL(ours)
	if err != nil {
		return err
	}
	theirsCells, err := readJSONL(theirs)
	if err != nil {
		return err
	}

	ids := map[string]bool{}
	for id := range oursCells {
		ids[id] = true
	}
	for id := range theirsCells {
		ids[id] = true
	}

	now := time.Now().UTC()
	for id := range ids {
		b, hasBase := baseCells[id]
		o, hasOurs := oursCells[id]
		t, hasTheirs := theirsCells[id]

		merged, ok := mergeOne(b, hasBase, o, hasOurs, t, hasTheirs, now)
		if !ok {
			continue // dropped: expired tombstone on both sides
		}
		if err := h.adoptMerged(ctx, merged); err != nil {
			return err
		}
	}
	return nil
}

func mergeOne(b cellRecord, hasBase bool, o cellRecord, hasOurs bool, t cellRecord, hasTheirs bool, now time.Time) (cellRecord, bool) {
	switch {
	case hasOurs && !hasTheirs:
		return o, true
	case !hasOurs && hasTheirs:
		return t, true
	case !hasOurs && !hasTheirs:
		return cellRecord{}, false
	}

	// Both present.
	if o.Status == model.StatusTombstone && t.Status == model.StatusTombstone {
		if tombstoneExpired(o, now) && tombstoneExpired(t, now) {
			return cellRecord{}, false
		}
		if o.DeletedAt == nil {
			return t, true
		}
		if t.DeletedAt == nil {
			return o, true
		}
		if o.DeletedAt.Before(*t.DeletedAt) {
			return o, true
		}
		return t, true
	}

	if !hasBase {
		// Both new, no common ancestor.
		if sameContent(o, t) {
			return o, true
		}
		if tied(o.UpdatedAt, t.UpdatedAt) {
			return o, true
		}
		if o.UpdatedAt.After(t.UpdatedAt) {
			return o, true
		}
		return t, true
	}

	oChanged := !sameContent(b, o)
	tChanged := !sameContent(b, t)
	if oChanged && !tChanged {
		return o, true
	}
	if tChanged && !oChanged {
		return t, true
	}
	if !oChanged && !tChanged {
		merged := o
		merged.Labels = unionStrings(o.Labels, t.Labels)
		merged.Dependencies = unionDeps(o.Dependencies, t.Dependencies)
		merged.Comments = unionComments(o.Comments, t.Comments)
		return merged, true
	}

	// Modified on both sides: field-wise merge.
	merged := o
	if t.Status == model.StatusTombstone && !tombstoneExpired(t, now) {
		merged.Status = model.StatusTombstone
		merged.DeletedAt = t.DeletedAt
	} else if o.Status == model.StatusTombstone && !tombstoneExpired(o, now) {
		merged.Status = model.StatusTombstone
		merged.DeletedAt = o.DeletedAt
	} else if tied(o.UpdatedAt, t.UpdatedAt) {
		merged.Status = o.Status
	} else if t.UpdatedAt.After(o.UpdatedAt) {
		merged.Status = t.Status
	}

	if !tied(o.UpdatedAt, t.UpdatedAt) && t.UpdatedAt.After(o.UpdatedAt) {
		merged.Title, merged.Description, merged.Priority, merged.Assignee = t.Title, t.Description, t.Priority, t.Assignee
		merged.UpdatedAt = t.UpdatedAt
	} else {
		merged.UpdatedAt = o.UpdatedAt
	}

	merged.Labels = unionStrings(o.Labels, t.Labels)
	merged.Dependencies = unionDeps(o.Dependencies, t.Dependencies)
	merged.Comments = unionComments(o.Comments, t.Comments)
	return merged, true
}

func tombstoneExpired(r cellRecord, now time.Time) bool {
	return r.DeletedAt != nil && now.Sub(*r.DeletedAt) > tombstoneTTL
}

func tied(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d < clockSkewGrace
}

func sameContent(a, b cellRecord) bool {
	aj, _ := json.Marshal(struct {
		Title, Description string
		Status              model.CellStatus
		Priority             int
		Assignee             string
	}{a.Title, a.Description, a.Status, a.Priority, a.Assignee})
	bj, _ := json.Marshal(struct {
		Title, Description string
		Status              model.CellStatus
		Priority             int
		Assignee             string
	}{b.Title, b.Description, b.Status, b.Priority, b.Assignee})
	return string(aj) == string(bj)
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func unionDeps(a, b []depRecord) []depRecord {
	seen := map[string]bool{}
	var out []depRecord
	for _, d := range append(append([]depRecord{}, a...), b...) {
		key := d.ToCell + "|" + string(d.Relationship)
		if !seen[key] {
			seen[key] = true
			out = append(out, d)
		}
	}
	return out
}

func unionComments(a, b []model.Comment) []model.Comment {
	seen := map[int64]bool{}
	var out []model.Comment
	for _, c := range append(append([]model.Comment{}, a...), b...) {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (h *Hive) adoptMerged(ctx context.Context, rec cellRecord) error {
	var produced *model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			c := rec.toCell(h.projectKey)
			c.ContentHash = contentHash(c)

			existing, getErr := getCellTx(ctx, tx, h.projectKey, c.ID)
			if getErr != nil {
				if err := insertCell(ctx, tx, h.projectKey, c); err != nil {
					return err
				}
			} else if existing.ContentHash != c.ContentHash {
				if err := updateCellTx(ctx, tx, h.projectKey, c); err != nil {
					return err
				}
			}

			for _, l := range rec.Labels {
				tx.ExecContext(ctx, `INSERT INTO cell_labels(project_key, cell_id, name) VALUES (?,?,?) ON CONFLICT DO NOTHING`, h.projectKey, c.ID, l)
			}
			for _, d := range rec.Dependencies {
				tx.ExecContext(ctx, `INSERT INTO cell_dependencies(project_key, from_cell, to_cell, relationship, created_at) VALUES (?,?,?,?,?) ON CONFLICT DO NOTHING`,
					h.projectKey, c.ID, d.ToCell, string(d.Relationship), time.Now().UTC().UnixMilli())
			}
			for _, cm := range rec.Comments {
				tx.ExecContext(ctx, `INSERT INTO cell_comments(project_key, cell_id, author, body, created_at) VALUES (?,?,?,?,?) ON CONFLICT DO NOTHING`,
					h.projectKey, c.ID, cm.Author, cm.Body, cm.CreatedAt.UnixMilli())
			}

			ev, err := appendCellEvent(ctx, tx, h.es, model.EventHiveSynced, c.ID, map[string]interface{}{"id": c.ID, "status": c.Status})
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			produced = &ev
			return nil
		})
	})
	if err != nil {
		return err
	}
	if produced != nil {
		h.es.Published(*produced)
	}
	return nil
}

