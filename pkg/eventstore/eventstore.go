// Package eventstore implements the append-only, per-project event log:
// gap-free monotonic sequence numbers, deterministic idempotent
// projections, and a bounded-channel subscription API.
//
// Every mutation across the event-tagged-union in pkg/model goes
// through Append (or AppendTx, inside a caller's own transaction),
// which assigns the next sequence number and applies the registered
// projections in the same transaction. Subscribe exposes a
// channel rather than a registered callback, so back-pressure is
// observable by the caller instead of silently buffered forever.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
	"github.com/lazyplatypus/coord-substrate/pkg/seq"
)

// subscriberBufferSize bounds each subscriber's channel. A slow
// subscriber that falls behind this far is disconnected with
// SubscriberLagged rather than allowed to stall the publisher.
const subscriberBufferSize = 1024

// ProjectionFunc applies one event to a projection's tables within the
// same transaction as the event's insert, so a crash never leaves an
// event appended without its projection applied (or vice versa).
type ProjectionFunc func(tx *sql.Tx, e model.Event) error

// Store is the per-project event log plus its projection hooks and
// live subscribers.
type Store struct {
	d          *db.DB
	projectKey string

	mu          sync.Mutex
	assigner    *seq.Assigner
	projections []ProjectionFunc

	subMu sync.Mutex
	subs  map[int]chan model.Event
	nextSub int
}

// Open creates a Store for the given project, seeding its sequence
// assigner from the highest sequence already persisted.
func Open(d *db.DB, projectKey string) (*Store, error) {
	var maxSeq sql.NullInt64
	err := d.Conn.QueryRow(`SELECT MAX(sequence) FROM events WHERE project_key = ?`, projectKey).Scan(&maxSeq)
	if err != nil {
		return nil, fmt.Errorf("read max sequence: %w", err)
	}
	return &Store{
		d:          d,
		projectKey: projectKey,
		assigner:   seq.NewAssigner(maxSeq.Int64),
		subs:       make(map[int]chan model.Event),
	}, nil
}

// RegisterProjection adds a fold function invoked for every event
// appended from this point on, in the same transaction as the insert.
func (s *Store) RegisterProjection(fn ProjectionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projections = append(s.projections, fn)
}

// Append assigns the next sequence number to an event and commits it
// along with every registered projection's write, all inside a single
// transaction and the project's write lock. Either every write
// commits, or none do. Use AppendTx instead when the caller has its
// own domain rows (a message, a cell, a memory) that must commit
// atomically alongside the event, in one shared transaction.
func (s *Store) Append(ctx context.Context, typ model.EventType, data interface{}) (model.Event, error) {
	var out model.Event
	appendErr := s.d.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			tx, err := s.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			e, err := s.appendTx(ctx, tx, typ, data)
			if err != nil {
				return err
			}
			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}
			out = e
			return nil
		})
	})
	if appendErr != nil {
		return model.Event{}, appendErr
	}

	s.publish(out)
	return out, nil
}

// AppendTx assigns the next sequence number and inserts the event row,
// plus every registered projection's write, into the caller's
// already-open transaction tx. The caller is responsible for three
// things: running the whole operation inside WithProjectLock so the
// shared sequence assigner is never raced by two subsystems writing to
// the same project at once, committing tx itself, and calling
// Published(e) only once that commit has succeeded — this is what lets
// a subsystem's own domain write (a message, a cell, a memory row) and
// its event commit together as a single atomic unit instead of two.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, typ model.EventType, data interface{}) (model.Event, error) {
	return s.appendTx(ctx, tx, typ, data)
}

// Published broadcasts e to live subscribers. Call it after a
// transaction that produced e via AppendTx has committed; Append calls
// it automatically.
func (s *Store) Published(e model.Event) {
	s.publish(e)
}

// WithProjectLock runs fn while holding the project's write-serialization
// lock, the same one Append uses — the lock AppendTx callers must hold
// for their whole read-modify-write so the in-memory sequence assigner
// is never advanced by two goroutines at once.
func (s *Store) WithProjectLock(fn func() error) error {
	return s.d.WithProjectLock(fn)
}

func (s *Store) appendTx(ctx context.Context, tx *sql.Tx, typ model.EventType, data interface{}) (model.Event, error) {
	if !model.IsKnownEventType(typ) {
		return model.Event{}, errs.Validation("unknown_event_type", "unknown event type %q", typ)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return model.Event{}, errs.Validation("bad_event_payload", "cannot encode event payload: %v", err)
	}

	// Reseed from the table so a previously rolled-back append does not
	// leave a gap in the sequence.
	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events WHERE project_key = ?`, s.projectKey).Scan(&maxSeq); err != nil {
		return model.Event{}, errs.Transient("event_seq_read_failed", "%v", err).Wrap(err)
	}
	s.assigner.Set(maxSeq.Int64 + 1)
	seqNum := s.assigner.Next()
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(project_key, type, sequence, timestamp_ms, data_json) VALUES (?, ?, ?, ?, ?)`,
		s.projectKey, string(typ), seqNum, now.UnixMilli(), string(raw),
	)
	if err != nil {
		return model.Event{}, errs.Transient("event_insert_failed", "%v", err).Wrap(err)
	}
	id, _ := res.LastInsertId()

	e := model.Event{
		ID:         id,
		Type:       typ,
		ProjectKey: s.projectKey,
		Timestamp:  now,
		Sequence:   seqNum,
		Data:       json.RawMessage(raw),
	}

	for _, proj := range s.projections {
		if err := proj(tx, e); err != nil {
			return model.Event{}, err
		}
	}
	return e, nil
}

// Read returns events matching filter, ordered by sequence ascending.
// filter.SinceSequence is exclusive: Read(SinceSequence: n) returns
// events with sequence > n, i.e. everything after the last one a
// caller has already seen or acknowledged.
func (s *Store) Read(ctx context.Context, filter model.ReadFilter) ([]model.Event, error) {
	query := `SELECT id, type, sequence, timestamp_ms, data_json FROM events WHERE project_key = ? AND sequence > ?`
	args := []interface{}{s.projectKey, filter.SinceSequence}
	if filter.UntilSequence > 0 {
		query += ` AND sequence <= ?`
		args = append(args, filter.UntilSequence)
	}
	if len(filter.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(filter.Types)) + `)`
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY sequence ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Transient("event_read_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		var typ string
		var tsMs int64
		var data string
		if err := rows.Scan(&e.ID, &typ, &e.Sequence, &tsMs, &data); err != nil {
			return nil, errs.Corrupted("event_scan_failed", "%v", err).Wrap(err)
		}
		e.Type = model.EventType(typ)
		e.ProjectKey = s.projectKey
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		e.Data = json.RawMessage(data)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Project replays every event from sequence 0 through fn, used to
// rebuild projection tables from scratch and to verify the
// replay-equivalence invariant.
func (s *Store) Project(ctx context.Context, fn func(model.Event) error) error {
	events, err := s.Read(ctx, model.ReadFilter{SinceSequence: 0})
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// SubscriberLagged is sent in place of an event when a subscriber's
// buffer overflows; the subscription is then closed.
var SubscriberLagged = model.Event{Type: "__subscriber_lagged__"}

// Subscribe returns a channel seeded with every persisted event whose
// sequence is greater than sinceSequence (pass 0 for a fresh
// subscriber with no history to replay), followed by live events as
// they are appended. A reconnecting caller should pass the last
// sequence it acknowledged so resuming a dropped connection never
// drops events silently. The replay and the start of live delivery can
// overlap by at most one event, so callers should dedupe by sequence
// rather than assume exactly-once delivery.
//
// The channel is closed (after emitting SubscriberLagged) if the
// caller falls behind by more than subscriberBufferSize events, or if
// the replay backlog alone exceeds that buffer; callers must drain it
// or cancel ctx to avoid leaking the goroutine's registration.
func (s *Store) Subscribe(ctx context.Context, sinceSequence int64) (<-chan model.Event, error) {
	// One spare slot beyond the buffer so SubscriberLagged always fits.
	ch := make(chan model.Event, subscriberBufferSize+1)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	backlog, err := s.Read(ctx, model.ReadFilter{SinceSequence: sinceSequence})
	if err != nil {
		delete(s.subs, id)
		s.subMu.Unlock()
		close(ch)
		return nil, err
	}
	for _, e := range backlog {
		if len(ch) < subscriberBufferSize {
			ch <- e
			continue
		}
		ch <- SubscriberLagged
		close(ch)
		delete(s.subs, id)
		s.subMu.Unlock()
		return ch, nil
	}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}()

	return ch, nil
}

func (s *Store) publish(e model.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		if len(ch) < subscriberBufferSize {
			ch <- e
			continue
		}
		ch <- SubscriberLagged
		close(ch)
		delete(s.subs, id)
	}
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}
