package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

// Get returns a cell by id.
func (h *Hive) Get(ctx context.Context, id string) (model.Cell, error) {
	row := h.d.Conn.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
			COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key=? AND id=?`, h.projectKey, id)
	return scanCell(row)
}

// Query lists cells matching filter, applying its default limit of 20.
func (h *Hive) Query(ctx context.Context, q model.CellQuery) ([]model.Cell, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	sqlq := `SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
		COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key = ?`
	args := []interface{}{h.projectKey}

	if q.Status != "" {
		sqlq += ` AND status = ?`
		args = append(args, string(q.Status))
	} else {
		sqlq += ` AND status != ?`
		args = append(args, string(model.StatusTombstone))
	}
	if q.Type != "" {
		sqlq += ` AND issue_type = ?`
		args = append(args, string(q.Type))
	}
	if q.ParentID != "" {
		sqlq += ` AND parent_id = ?`
		args = append(args, q.ParentID)
	}
	if q.Ready {
		sqlq += ` AND status = ? AND is_blocked = 0`
		args = append(args, string(model.StatusOpen))
	}
	sqlq += ` ORDER BY priority ASC, updated_at ASC LIMIT ?`
	args = append(args, limit)

	return h.queryCells(ctx, sqlq, args...)
}

func (h *Hive) queryCells(ctx context.Context, query string, args ...interface{}) ([]model.Cell, error) {
	rows, err := h.d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("cell_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.Cell
	for rows.Next() {
		c, err := scanCellRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCellRows(rows *sql.Rows) (model.Cell, error) {
	var c model.Cell
	var status, issueType, filesJSON, metaJSON string
	var createdMs, updatedMs int64
	var closedMs, deletedMs sql.NullInt64
	err := rows.Scan(&c.ID, &c.Title, &c.Description, &status, &c.Priority, &issueType, &c.ParentID, &c.Assignee,
		&filesJSON, &c.IsBlocked, &createdMs, &updatedMs, &closedMs, &deletedMs, &metaJSON, &c.ContentHash)
	if err != nil {
		return model.Cell{}, errs.Corrupted("cell_scan_failed", "%v", err).Wrap(err)
	}
	c.Status = model.CellStatus(status)
	c.IssueType = model.IssueType(issueType)
	_ = jsonUnmarshalSlice(filesJSON, &c.Files)
	_ = jsonUnmarshalMap(metaJSON, &c.Metadata)
	c.CreatedAt = time.UnixMilli(createdMs).UTC()
	c.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if closedMs.Valid {
		t := time.UnixMilli(closedMs.Int64).UTC()
		c.ClosedAt = &t
	}
	if deletedMs.Valid {
		t := time.UnixMilli(deletedMs.Int64).UTC()
		c.DeletedAt = &t
	}
	return c, nil
}

// Ready returns open, unblocked cells whose declared files have no
// active conflicting reservation, sorted by priority then updated_at
// ascending. The reservation check is delegated to the
// caller via hasConflict, since reservations live in pkg/mail and
// importing it here would create a package cycle.
func (h *Hive) Ready(ctx context.Context, hasConflict func(files []string) bool) ([]model.Cell, error) {
	cells, err := h.Query(ctx, model.CellQuery{Status: model.StatusOpen, Ready: true, Limit: 10000})
	if err != nil {
		return nil, err
	}
	var out []model.Cell
	for _, c := range cells {
		if hasConflict != nil && hasConflict(c.Files) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Blocked returns cells with status=blocked or any open blocked-by
// dependency, each annotated with its blockers.
func (h *Hive) Blocked(ctx context.Context) ([]model.BlockedCell, error) {
	cells, err := h.queryCells(ctx, `
		SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
			COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key = ? AND (status = ? OR is_blocked = 1) AND status != ?`,
		h.projectKey, string(model.StatusBlocked), string(model.StatusTombstone))
	if err != nil {
		return nil, err
	}

	var out []model.BlockedCell
	for _, c := range cells {
		rows, err := h.d.Conn.QueryContext(ctx, `
			SELECT c2.id, c2.title, COALESCE(c2.description,''), c2.status, c2.priority, c2.issue_type, COALESCE(c2.parent_id,''), COALESCE(c2.assignee,''),
				COALESCE(c2.files_json,'[]'), c2.is_blocked, c2.created_at, c2.updated_at, c2.closed_at, c2.deleted_at, COALESCE(c2.metadata_json,'{}'), COALESCE(c2.content_hash,'')
			FROM cell_dependencies d
			JOIN cells c2 ON c2.project_key = d.project_key AND c2.id = d.to_cell
			WHERE d.project_key = ? AND d.from_cell = ? AND d.relationship = ? AND c2.status NOT IN (?, ?)`,
			h.projectKey, c.ID, string(model.RelBlockedBy), string(model.StatusClosed), string(model.StatusTombstone))
		if err != nil {
			return nil, errs.Transient("blockers_query_failed", "%v", err).Wrap(err)
		}
		var blockers []model.Cell
		for rows.Next() {
			b, err := scanCellRows(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			blockers = append(blockers, b)
		}
		rows.Close()
		out = append(out, model.BlockedCell{Cell: c, Blockers: blockers})
	}
	return out, nil
}

// EpicsEligibleForClosure returns open epics all of whose children are
// closed.
func (h *Hive) EpicsEligibleForClosure(ctx context.Context) ([]model.Cell, error) {
	epics, err := h.queryCells(ctx, `
		SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
			COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key = ? AND issue_type = ? AND status = ?`,
		h.projectKey, string(model.IssueEpic), string(model.StatusOpen))
	if err != nil {
		return nil, err
	}

	var out []model.Cell
	for _, epic := range epics {
		var total, closedCount int
		err := h.d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells WHERE project_key=? AND parent_id=? AND status != ?`,
			h.projectKey, epic.ID, string(model.StatusTombstone)).Scan(&total)
		if err != nil {
			return nil, errs.Transient("epic_children_count_failed", "%v", err).Wrap(err)
		}
		if total == 0 {
			continue
		}
		err = h.d.Conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM cells WHERE project_key=? AND parent_id=? AND status = ?`,
			h.projectKey, epic.ID, string(model.StatusClosed)).Scan(&closedCount)
		if err != nil {
			return nil, errs.Transient("epic_closed_count_failed", "%v", err).Wrap(err)
		}
		if closedCount == total {
			out = append(out, epic)
		}
	}
	return out, nil
}

// Stale returns open/in-progress/blocked cells not updated in daysSinceUpdate.
func (h *Hive) Stale(ctx context.Context, daysSinceUpdate int) ([]model.Cell, error) {
	if daysSinceUpdate <= 0 {
		daysSinceUpdate = 14
	}
	cutoff := time.Now().UTC().Add(-time.Duration(daysSinceUpdate) * 24 * time.Hour).UnixMilli()
	return h.queryCells(ctx, `
		SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
			COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key = ? AND status NOT IN (?, ?) AND updated_at < ?`,
		h.projectKey, string(model.StatusClosed), string(model.StatusTombstone), cutoff)
}

// Statistics summarizes the work graph.
func (h *Hive) Statistics(ctx context.Context) (model.HiveStatistics, error) {
	cells, err := h.queryCells(ctx, `
		SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
			COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key = ? AND status != ?`, h.projectKey, string(model.StatusTombstone))
	if err != nil {
		return model.HiveStatistics{}, err
	}

	stats := model.HiveStatistics{
		ByStatus: map[model.CellStatus]int{}, ByType: map[model.IssueType]int{}, ByPriority: map[int]int{},
	}
	now := time.Now().UTC()
	var totalAgeHr float64
	for _, c := range cells {
		stats.ByStatus[c.Status]++
		stats.ByType[c.IssueType]++
		stats.ByPriority[c.Priority]++
		totalAgeHr += now.Sub(c.CreatedAt).Hours()
	}
	stats.Total = len(cells)
	if stats.Total > 0 {
		stats.AverageAgeHr = totalAgeHr / float64(stats.Total)
	}
	stats.MaxBlockerDepth, err = h.maxBlockerDepth(ctx)
	if err != nil {
		return model.HiveStatistics{}, err
	}
	return stats, nil
}

func (h *Hive) maxBlockerDepth(ctx context.Context) (int, error) {
	rows, err := h.d.Conn.QueryContext(ctx,
		`SELECT from_cell, to_cell FROM cell_dependencies WHERE project_key = ? AND relationship = ?`,
		h.projectKey, string(model.RelBlockedBy))
	if err != nil {
		return 0, errs.Transient("depth_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	adj := map[string][]string{}
	nodes := map[string]bool{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return 0, errs.Corrupted("depth_scan_failed", "%v", err).Wrap(err)
		}
		adj[from] = append(adj[from], to)
		nodes[from], nodes[to] = true, true
	}

	var maxDepth int
	memo := map[string]int{}
	var depth func(n string, visiting map[string]bool) int
	depth = func(n string, visiting map[string]bool) int {
		if d, ok := memo[n]; ok {
			return d
		}
		if visiting[n] {
			return 0 // guard against a cycle that slipped through (should not happen)
		}
		visiting[n] = true
		best := 0
		for _, next := range adj[n] {
			if d := depth(next, visiting) + 1; d > best {
				best = d
			}
		}
		visiting[n] = false
		memo[n] = best
		return best
	}
	for n := range nodes {
		if d := depth(n, map[string]bool{}); d > maxDepth {
			maxDepth = d
		}
	}
	return maxDepth, nil
}

// ResolvePartialID matches cells by id prefix.
func (h *Hive) ResolvePartialID(ctx context.Context, prefix string) (found string, ambiguous bool, err error) {
	rows, err := h.d.Conn.QueryContext(ctx, `SELECT id FROM cells WHERE project_key = ? AND id LIKE ? AND status != ?`,
		h.projectKey, prefix+"%", string(model.StatusTombstone))
	if err != nil {
		return "", false, errs.Transient("resolve_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", false, errs.Corrupted("resolve_scan_failed", "%v", err).Wrap(err)
		}
		matches = append(matches, id)
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", false, errs.NotFound("cell_not_found", "no cell matches prefix %q", prefix)
	case 1:
		return matches[0], false, nil
	default:
		return matches[0], true, nil
	}
}

// AddLabel attaches a label to a cell.
func (h *Hive) AddLabel(ctx context.Context, cellID, name string) error {
	_, err := h.d.Conn.ExecContext(ctx,
		`INSERT INTO cell_labels(project_key, cell_id, name) VALUES (?,?,?) ON CONFLICT DO NOTHING`,
		h.projectKey, cellID, name)
	if err != nil {
		return errs.Transient("label_insert_failed", "%v", err).Wrap(err)
	}
	return nil
}

// RemoveLabel detaches a label from a cell.
func (h *Hive) RemoveLabel(ctx context.Context, cellID, name string) error {
	_, err := h.d.Conn.ExecContext(ctx, `DELETE FROM cell_labels WHERE project_key=? AND cell_id=? AND name=?`,
		h.projectKey, cellID, name)
	if err != nil {
		return errs.Transient("label_delete_failed", "%v", err).Wrap(err)
	}
	return nil
}

// AddComment appends a comment to a cell.
func (h *Hive) AddComment(ctx context.Context, cellID, author, body string) (model.Comment, error) {
	now := time.Now().UTC()
	res, err := h.d.Conn.ExecContext(ctx,
		`INSERT INTO cell_comments(project_key, cell_id, author, body, created_at) VALUES (?,?,?,?,?)`,
		h.projectKey, cellID, author, body, now.UnixMilli())
	if err != nil {
		return model.Comment{}, errs.Transient("comment_insert_failed", "%v", err).Wrap(err)
	}
	id, _ := res.LastInsertId()
	return model.Comment{ID: id, CellID: cellID, Author: author, Body: body, CreatedAt: now}, nil
}

func jsonUnmarshalSlice(s string, v *[]string) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func jsonUnmarshalMap(s string, v *map[string]string) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
