// Package seq assigns gap-free, monotonically increasing per-project
// sequence numbers to events.
//
// Ordering events across independently-running agents with no central
// authority usually calls for a logical clock. Here there's a single
// authority instead: the project's SQLite database, serialized by
// db.DB's per-project write lock. That makes increment-and-compare
// clock machinery unnecessary — what's needed is simply "the next
// integer after the highest sequence persisted so far" — so Assigner
// keeps the shape of a small stateful counter (seeded from storage,
// advanced under a lock, exposing Next/Peek/Set) without the comparison
// logic a distributed clock would need.
package seq

// Assigner hands out the next sequence number for a project. Not
// goroutine-safe on its own; callers serialize access via
// db.DB.WithProjectLock.
type Assigner struct {
	next int64
}

// NewAssigner creates an Assigner seeded from the highest sequence
// already persisted (0 if the log is empty).
func NewAssigner(highestPersisted int64) *Assigner {
	return &Assigner{next: highestPersisted + 1}
}

// Next returns the next sequence number and advances the counter.
func (a *Assigner) Next() int64 {
	v := a.next
	a.next++
	return v
}

// Peek returns the next sequence number without advancing.
func (a *Assigner) Peek() int64 { return a.next }

// Set reseeds the assigner, e.g. after a JSONL import that appends
// events out of band.
func (a *Assigner) Set(nextValue int64) { a.next = nextValue }
