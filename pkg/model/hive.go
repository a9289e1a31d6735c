package model

import "time"

// CellStatus is the work-item state machine.
type CellStatus string

const (
	StatusOpen       CellStatus = "open"
	StatusInProgress CellStatus = "in_progress"
	StatusBlocked    CellStatus = "blocked"
	StatusClosed     CellStatus = "closed"
	StatusTombstone  CellStatus = "tombstone"
)

// IssueType enumerates the kinds of work item a Cell can represent.
type IssueType string

const (
	IssueBug     IssueType = "bug"
	IssueFeature IssueType = "feature"
	IssueTask    IssueType = "task"
	IssueEpic    IssueType = "epic"
	IssueChore   IssueType = "chore"
	IssueMessage IssueType = "message"
)

// Relationship enumerates dependency edge kinds between cells.
type Relationship string

const (
	RelBlocks        Relationship = "blocks"
	RelBlockedBy     Relationship = "blocked-by"
	RelRelated       Relationship = "related"
	RelDiscoveredFrom Relationship = "discovered-from"
)

// Cell is a work item: issue, epic, subtask, bug, chore, or message.
type Cell struct {
	ID          string            `json:"id"`
	ProjectKey  string            `json:"project_key"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      CellStatus        `json:"status"`
	Priority    int               `json:"priority"`
	IssueType   IssueType         `json:"issue_type"`
	ParentID    string            `json:"parent_id,omitempty"`
	Assignee    string            `json:"assignee,omitempty"`
	Files       []string          `json:"files,omitempty"`
	IsBlocked   bool              `json:"is_blocked"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ClosedAt    *time.Time        `json:"closed_at,omitempty"`
	DeletedAt   *time.Time        `json:"deleted_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ContentHash string            `json:"content_hash,omitempty"`
}

// Dependency is a directed edge between two cells.
type Dependency struct {
	FromCell     string       `json:"from_cell"`
	ToCell       string       `json:"to_cell"`
	Relationship Relationship `json:"relationship"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Label tags a cell with a free-text name.
type Label struct {
	CellID string `json:"cell_id"`
	Name   string `json:"name"`
}

// Comment is a timestamped note attached to a cell.
type Comment struct {
	ID        int64     `json:"id"`
	CellID    string    `json:"cell_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// BlockedCell annotates a blocked cell with the cells blocking it.
type BlockedCell struct {
	Cell     Cell   `json:"cell"`
	Blockers []Cell `json:"blockers"`
}

// HiveStatistics summarizes the work graph, as returned by statistics().
type HiveStatistics struct {
	ByStatus     map[CellStatus]int `json:"by_status"`
	ByType       map[IssueType]int  `json:"by_type"`
	ByPriority   map[int]int        `json:"by_priority"`
	AverageAgeHr float64            `json:"average_age_hours"`
	MaxBlockerDepth int             `json:"max_blocker_depth"`
	Total        int                `json:"total"`
}

// CellQuery filters Hive.Query.
type CellQuery struct {
	Status   CellStatus
	Type     IssueType
	Ready    bool
	ParentID string
	Limit    int
}

// EpicSubtaskSpec is one subtask in a CreateEpic call.
type EpicSubtaskSpec struct {
	Title       string
	Description string
	Priority    int
	Files       []string
	IDSuffix    string
}
