// Package model defines the core domain types shared by every subsystem of
// the coordination substrate: the append-only event log, agents, mail,
// file reservations, the Hive work-item graph, and the memory store.
//
// All entities are scoped to a project key (an opaque string, typically the
// absolute path of a repository). Event is the one authoritative record;
// every other type here is a row in a materialized projection derived by
// folding events — see pkg/eventstore.
package model

import (
	"encoding/json"
	"time"
)

// EventType enumerates the event tags recognized by the substrate. Unknown
// types are rejected at append and passed through opaquely on read, per
// "Schema discipline".
type EventType string

const (
	EventAgentRegistered EventType = "agent_registered"
	EventAgentActive     EventType = "agent_active"

	EventMessageSent  EventType = "message_sent"
	EventMessageRead  EventType = "message_read"
	EventMessageAcked EventType = "message_acked"
	EventThreadCreated EventType = "thread_created"
	EventThreadActivity EventType = "thread_activity"

	EventFileReserved EventType = "file_reserved"
	EventFileReleased EventType = "file_released"
	EventFileConflict EventType = "file_conflict"

	EventTaskStarted  EventType = "task_started"
	EventTaskProgress EventType = "task_progress"
	EventTaskCompleted EventType = "task_completed"
	EventTaskBlocked  EventType = "task_blocked"

	EventCellCreated           EventType = "cell_created"
	EventCellUpdated           EventType = "cell_updated"
	EventCellStatusChanged     EventType = "cell_status_changed"
	EventCellClosed            EventType = "cell_closed"
	EventCellDeleted           EventType = "cell_deleted"
	EventCellDependencyAdded   EventType = "cell_dependency_added"
	EventCellDependencyRemoved EventType = "cell_dependency_removed"
	EventCellLabelAdded        EventType = "cell_label_added"
	EventCellLabelRemoved      EventType = "cell_label_removed"
	EventCellCommentAdded      EventType = "cell_comment_added"
	EventCellCommentUpdated    EventType = "cell_comment_updated"
	EventCellCommentDeleted    EventType = "cell_comment_deleted"
	EventEpicCreated           EventType = "epic_created"
	EventEpicChildAdded        EventType = "epic_child_added"
	EventEpicChildRemoved      EventType = "epic_child_removed"
	EventHiveSynced            EventType = "hive_synced"

	EventMemoryStored    EventType = "memory_stored"
	EventMemoryUpdated   EventType = "memory_updated"
	EventMemoryDeleted   EventType = "memory_deleted"
	EventMemoryValidated EventType = "memory_validated"
	EventMemoryFound     EventType = "memory_found"
)

// knownEventTypes is consulted by eventstore.Append to reject unrecognized
// types Kept as a set literal (not computed) so callers of
// go vet / staticcheck can see the full roster in one place.
var knownEventTypes = map[EventType]bool{
	EventAgentRegistered: true, EventAgentActive: true,
	EventMessageSent: true, EventMessageRead: true, EventMessageAcked: true,
	EventThreadCreated: true, EventThreadActivity: true,
	EventFileReserved: true, EventFileReleased: true, EventFileConflict: true,
	EventTaskStarted: true, EventTaskProgress: true, EventTaskCompleted: true, EventTaskBlocked: true,
	EventCellCreated: true, EventCellUpdated: true, EventCellStatusChanged: true,
	EventCellClosed: true, EventCellDeleted: true,
	EventCellDependencyAdded: true, EventCellDependencyRemoved: true,
	EventCellLabelAdded: true, EventCellLabelRemoved: true,
	EventCellCommentAdded: true, EventCellCommentUpdated: true, EventCellCommentDeleted: true,
	EventEpicCreated: true, EventEpicChildAdded: true, EventEpicChildRemoved: true,
	EventHiveSynced: true,
	EventMemoryStored: true, EventMemoryUpdated: true, EventMemoryDeleted: true,
	EventMemoryValidated: true, EventMemoryFound: true,
}

// IsKnownEventType reports whether t is one of the types enumerated in
// Forward-compatible readers should still accept unknown types;
// only append-time validation uses this.
func IsKnownEventType(t EventType) bool { return knownEventTypes[t] }

// Event is a single immutable entry in a project's append-only log.
// Sequence is assigned at append time under a per-project write lock and
// is gap-free and strictly increasing for a given ProjectKey.
type Event struct {
	ID         int64           `json:"id"`
	Type       EventType       `json:"type"`
	ProjectKey string          `json:"project_key"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Data       json.RawMessage `json:"data"`
}

// ReadFilter narrows an EventStore.Read call. SinceSequence is exclusive,
// UntilSequence is inclusive
type ReadFilter struct {
	SinceSequence int64
	UntilSequence int64 // 0 means unbounded
	Types         []EventType
	Limit         int
}
