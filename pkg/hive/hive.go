// Package hive implements the work-item graph: cells (issues, epics,
// tasks), their dependency edges, labels, and comments.
//
// Every mutation inserts or updates a row and appends its event inside
// the same transaction, so the event log and the graph's current state
// never drift apart.
package hive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

const (
	maxTitleLen     = 500
	tombstoneTTLDefaultDays = 30
)

// Hive is the work-item graph for one project.
type Hive struct {
	d          *db.DB
	es         *eventstore.Store
	projectKey string
}

// New wires a Hive to its project's database and event store.
func New(d *db.DB, es *eventstore.Store, projectKey string) *Hive {
	return &Hive{d: d, es: es, projectKey: projectKey}
}

// CreateOptions configures Hive.Create.
type CreateOptions struct {
	Title       string
	Description string
	Type        model.IssueType
	Priority    int
	ParentID    string
	ID          string // optional explicit id
	Files       []string
}

func validateCreate(o CreateOptions) error {
	if o.Title == "" {
		return errs.Validation("missing_title", "title is required")
	}
	if len(o.Title) > maxTitleLen {
		return errs.Validation("title_too_long", "title must be at most %d characters", maxTitleLen)
	}
	if o.Priority < 0 || o.Priority > 4 {
		return errs.Validation("invalid_priority", "priority must be in [0,4]")
	}
	if o.ID != "" && !model.CellIDPattern.MatchString(o.ID) {
		return errs.Validation("invalid_id", "id %q does not match the required pattern", o.ID)
	}
	switch o.Type {
	case model.IssueBug, model.IssueFeature, model.IssueTask, model.IssueEpic, model.IssueChore, model.IssueMessage, "":
	default:
		return errs.Validation("invalid_type", "unknown issue type %q", o.Type)
	}
	return nil
}

// Create inserts a new cell, defaulting type to "task" and priority to 2.
func (h *Hive) Create(ctx context.Context, projectSlug string, o CreateOptions) (model.Cell, error) {
	if err := validateCreate(o); err != nil {
		return model.Cell{}, err
	}
	if o.Type == "" {
		o.Type = model.IssueTask
	}
	if o.Priority == 0 && o.ID == "" {
		o.Priority = 2
	}

	var cell model.Cell
	var created model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			id := o.ID
			if id == "" {
				if o.ParentID != "" {
					var count int
					if err := tx.QueryRowContext(ctx,
						`SELECT COUNT(*) FROM cells WHERE project_key = ? AND parent_id = ?`,
						h.projectKey, o.ParentID).Scan(&count); err != nil {
						return errs.Transient("child_count_failed", "%v", err).Wrap(err)
					}
					id = model.NewSubtaskID(o.ParentID, count)
				} else {
					id = model.NewCellID(projectSlug, o.Title, time.Now().UnixNano())
				}
			}

			now := time.Now().UTC()
			c := model.Cell{
				ID: id, ProjectKey: h.projectKey, Title: o.Title, Description: o.Description,
				Status: model.StatusOpen, Priority: o.Priority, IssueType: o.Type,
				ParentID: o.ParentID, Files: o.Files, CreatedAt: now, UpdatedAt: now,
			}
			c.ContentHash = contentHash(c)

			if err := insertCell(ctx, tx, h.projectKey, c); err != nil {
				return err
			}
			ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellCreated, c.ID, map[string]interface{}{
				"id": c.ID, "title": c.Title, "type": c.IssueType, "parent_id": c.ParentID,
			})
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			cell = c
			created = ev
			return nil
		})
	})
	if err != nil {
		return model.Cell{}, err
	}
	h.es.Published(created)
	return cell, nil
}

// CreateEpic atomically creates an epic cell plus one subtask cell per
// spec, appending epic_created and one cell_created per subtask.
func (h *Hive) CreateEpic(ctx context.Context, projectSlug, title, description string, subtasks []model.EpicSubtaskSpec) (model.Cell, []model.Cell, error) {
	if title == "" {
		return model.Cell{}, nil, errs.Validation("missing_title", "title is required")
	}

	var epic model.Cell
	var children []model.Cell
	var produced []model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			now := time.Now().UTC()
			epicID := model.NewCellID(projectSlug, title, now.UnixNano())
			epic = model.Cell{
				ID: epicID, ProjectKey: h.projectKey, Title: title, Description: description,
				Status: model.StatusOpen, Priority: 2, IssueType: model.IssueEpic,
				CreatedAt: now, UpdatedAt: now,
			}
			epic.ContentHash = contentHash(epic)
			if err := insertCell(ctx, tx, h.projectKey, epic); err != nil {
				return err
			}
			ev, err := appendCellEvent(ctx, tx, h.es, model.EventEpicCreated, epicID, map[string]interface{}{"id": epicID, "title": title})
			if err != nil {
				return err
			}
			produced = append(produced, ev)

			children = nil
			for i, st := range subtasks {
				childID := st.IDSuffix
				if childID == "" {
					childID = model.NewSubtaskID(epicID, i)
				} else {
					childID = fmt.Sprintf("%s.%s", epicID, childID)
				}
				priority := st.Priority
				if priority == 0 {
					priority = 2
				}
				child := model.Cell{
					ID: childID, ProjectKey: h.projectKey, Title: st.Title, Description: st.Description,
					Status: model.StatusOpen, Priority: priority, IssueType: model.IssueTask,
					ParentID: epicID, Files: st.Files, CreatedAt: now, UpdatedAt: now,
				}
				child.ContentHash = contentHash(child)
				if err := insertCell(ctx, tx, h.projectKey, child); err != nil {
					return err
				}
				ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellCreated, childID, map[string]interface{}{
					"id": childID, "title": st.Title, "parent_id": epicID,
				})
				if err != nil {
					return err
				}
				produced = append(produced, ev)
				children = append(children, child)
			}

			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			return nil
		})
	})
	if err != nil {
		return model.Cell{}, nil, err
	}
	for _, ev := range produced {
		h.es.Published(ev)
	}
	return epic, children, nil
}

// allowedTransitions is the status state machine of
var allowedTransitions = map[model.CellStatus]map[model.CellStatus]bool{
	model.StatusOpen:       {model.StatusInProgress: true, model.StatusBlocked: true, model.StatusClosed: true},
	model.StatusInProgress: {model.StatusOpen: true, model.StatusBlocked: true, model.StatusClosed: true},
	model.StatusBlocked:    {model.StatusOpen: true, model.StatusInProgress: true, model.StatusClosed: true},
	model.StatusClosed:     {model.StatusOpen: true, model.StatusTombstone: true},
	model.StatusTombstone:  {},
}

// UpdateOptions configures Hive.Update; nil/zero fields are left unchanged.
type UpdateOptions struct {
	Title       *string
	Description *string
	Priority    *int
	Assignee    *string
	Status      *model.CellStatus
}

// Update applies a partial update to a cell, enforcing the status state
// machine and appending cell_updated (and cell_status_changed if the
// status changed).
func (h *Hive) Update(ctx context.Context, id string, o UpdateOptions) (model.Cell, error) {
	var cell model.Cell
	var produced []model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			existing, err := getCellTx(ctx, tx, h.projectKey, id)
			if err != nil {
				return err
			}
			oldStatus := existing.Status
			statusChanged := false

			if o.Title != nil {
				if *o.Title == "" {
					return errs.Validation("missing_title", "title is required")
				}
				if len(*o.Title) > maxTitleLen {
					return errs.Validation("title_too_long", "title must be at most %d characters", maxTitleLen)
				}
				existing.Title = *o.Title
			}
			if o.Description != nil {
				existing.Description = *o.Description
			}
			if o.Priority != nil {
				if *o.Priority < 0 || *o.Priority > 4 {
					return errs.Validation("invalid_priority", "priority must be in [0,4]")
				}
				existing.Priority = *o.Priority
			}
			if o.Assignee != nil {
				existing.Assignee = *o.Assignee
			}
			if o.Status != nil && *o.Status != oldStatus {
				if *o.Status == model.StatusTombstone {
					return errs.Conflict("direct_tombstone_forbidden", "cannot move directly to tombstone via update; use delete")
				}
				if !allowedTransitions[oldStatus][*o.Status] {
					e := errs.Conflict("invalid_transition", "cannot move from %s to %s", oldStatus, *o.Status)
					if oldStatus == model.StatusClosed && *o.Status == model.StatusInProgress {
						e = e.WithHint("reopen the cell first")
					}
					return e
				}
				existing.Status = *o.Status
				statusChanged = true
			}
			existing.UpdatedAt = time.Now().UTC()
			existing.ContentHash = contentHash(existing)

			if err := updateCellTx(ctx, tx, h.projectKey, existing); err != nil {
				return err
			}
			ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellUpdated, id, map[string]interface{}{"id": id})
			if err != nil {
				return err
			}
			produced = append(produced, ev)
			if statusChanged {
				ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellStatusChanged, id, map[string]interface{}{
					"id": id, "old_status": oldStatus, "new_status": existing.Status,
				})
				if err != nil {
					return err
				}
				produced = append(produced, ev)
				if err := recomputeBlockedForDependents(ctx, tx, h.projectKey, id); err != nil {
					return err
				}
			}

			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			cell = existing
			return nil
		})
	})
	if err != nil {
		return model.Cell{}, err
	}
	for _, ev := range produced {
		h.es.Published(ev)
	}
	return cell, nil
}

// Close sets status=closed, closed_at=now.
func (h *Hive) Close(ctx context.Context, id, reason string) (model.Cell, error) {
	var cell model.Cell
	var produced *model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			existing, err := getCellTx(ctx, tx, h.projectKey, id)
			if err != nil {
				return err
			}
			if existing.Status == model.StatusTombstone {
				return errs.Conflict("already_deleted", "cell %q is tombstoned", id)
			}
			if existing.Status == model.StatusClosed {
				cell = existing
				return tx.Commit()
			}
			if !allowedTransitions[existing.Status][model.StatusClosed] {
				return errs.Conflict("invalid_transition", "cannot close from %s", existing.Status)
			}

			now := time.Now().UTC()
			existing.Status = model.StatusClosed
			existing.ClosedAt = &now
			existing.UpdatedAt = now
			existing.ContentHash = contentHash(existing)

			if err := updateCellTx(ctx, tx, h.projectKey, existing); err != nil {
				return err
			}
			ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellClosed, id, map[string]interface{}{"id": id, "reason": reason})
			if err != nil {
				return err
			}
			if err := recomputeBlockedForDependents(ctx, tx, h.projectKey, id); err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			cell = existing
			produced = &ev
			return nil
		})
	})
	if err != nil {
		return model.Cell{}, err
	}
	if produced != nil {
		h.es.Published(*produced)
	}
	return cell, nil
}

// Reopen moves a closed cell back to open.
func (h *Hive) Reopen(ctx context.Context, id string) (model.Cell, error) {
	status := model.StatusOpen
	return h.Update(ctx, id, UpdateOptions{Status: &status})
}

// Delete soft-deletes a cell: status=tombstone, deleted_at=now.
func (h *Hive) Delete(ctx context.Context, id, reason string) error {
	var produced *model.Event
	err := h.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := h.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			existing, err := getCellTx(ctx, tx, h.projectKey, id)
			if err != nil {
				return err
			}
			if existing.Status == model.StatusTombstone {
				return nil // already deleted: no-op
			}

			now := time.Now().UTC()
			existing.Status = model.StatusTombstone
			existing.DeletedAt = &now
			existing.UpdatedAt = now
			existing.ContentHash = contentHash(existing)

			if err := updateCellTx(ctx, tx, h.projectKey, existing); err != nil {
				return err
			}
			ev, err := appendCellEvent(ctx, tx, h.es, model.EventCellDeleted, id, map[string]interface{}{"id": id, "reason": reason})
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

func contentHash(c model.Cell) string {
	seed, _ := json.Marshal(struct {
		Title, Description string
		Priority            int
		ParentID            string
		Files               []string
	}{c.Title, c.Description, c.Priority, c.ParentID, c.Files})
	return fmt.Sprintf("%x", sum64(seed))
}

func sum64(b []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func insertCell(ctx context.Context, tx *sql.Tx, projectKey string, c model.Cell) error {
	filesJSON, _ := json.Marshal(c.Files)
	metaJSON, _ := json.Marshal(c.Metadata)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cells(id, project_key, title, description, status, priority, issue_type, parent_id, assignee, files_json, is_blocked, created_at, updated_at, closed_at, deleted_at, metadata_json, content_hash)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, projectKey, c.Title, c.Description, string(c.Status), c.Priority, string(c.IssueType),
		nullableString(c.ParentID), nullableString(c.Assignee), string(filesJSON), c.IsBlocked,
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), nullableTime(c.ClosedAt), nullableTime(c.DeletedAt),
		string(metaJSON), c.ContentHash,
	)
	if err != nil {
		return errs.Transient("cell_insert_failed", "%v", err).Wrap(err)
	}
	return nil
}

func updateCellTx(ctx context.Context, tx *sql.Tx, projectKey string, c model.Cell) error {
	filesJSON, _ := json.Marshal(c.Files)
	metaJSON, _ := json.Marshal(c.Metadata)
	_, err := tx.ExecContext(ctx, `
		UPDATE cells SET title=?, description=?, status=?, priority=?, issue_type=?, assignee=?, files_json=?,
			is_blocked=?, updated_at=?, closed_at=?, deleted_at=?, metadata_json=?, content_hash=?
		WHERE project_key=? AND id=?`,
		c.Title, c.Description, string(c.Status), c.Priority, string(c.IssueType), nullableString(c.Assignee),
		string(filesJSON), c.IsBlocked, c.UpdatedAt.UnixMilli(), nullableTime(c.ClosedAt), nullableTime(c.DeletedAt),
		string(metaJSON), c.ContentHash, projectKey, c.ID,
	)
	if err != nil {
		return errs.Transient("cell_update_failed", "%v", err).Wrap(err)
	}
	return nil
}

func getCellTx(ctx context.Context, tx *sql.Tx, projectKey, id string) (model.Cell, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, title, COALESCE(description,''), status, priority, issue_type, COALESCE(parent_id,''), COALESCE(assignee,''),
			COALESCE(files_json,'[]'), is_blocked, created_at, updated_at, closed_at, deleted_at, COALESCE(metadata_json,'{}'), COALESCE(content_hash,'')
		FROM cells WHERE project_key=? AND id=?`, projectKey, id)
	return scanCell(row)
}

func scanCell(row *sql.Row) (model.Cell, error) {
	var c model.Cell
	var status, issueType, filesJSON, metaJSON string
	var createdMs, updatedMs int64
	var closedMs, deletedMs sql.NullInt64
	err := row.Scan(&c.ID, &c.Title, &c.Description, &status, &c.Priority, &issueType, &c.ParentID, &c.Assignee,
		&filesJSON, &c.IsBlocked, &createdMs, &updatedMs, &closedMs, &deletedMs, &metaJSON, &c.ContentHash)
	if err == sql.ErrNoRows {
		return model.Cell{}, errs.NotFound("cell_not_found", "cell not found")
	}
	if err != nil {
		return model.Cell{}, errs.Corrupted("cell_scan_failed", "%v", err).Wrap(err)
	}
	c.Status = model.CellStatus(status)
	c.IssueType = model.IssueType(issueType)
	_ = json.Unmarshal([]byte(filesJSON), &c.Files)
	_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
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

// appendCellEvent inserts the event row for a cell mutation inside tx via
// es.AppendTx. Callers must run their whole transaction under
// es.WithProjectLock and call es.Published on the returned event once tx
// has committed.
func appendCellEvent(ctx context.Context, tx *sql.Tx, es *eventstore.Store, typ model.EventType, cellID string, extra map[string]interface{}) (model.Event, error) {
	extra["cell_id"] = cellID
	return es.AppendTx(ctx, tx, typ, extra)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
