// Package mail implements durable agent-to-agent messaging and
// file-path reservations.
//
// Messages are sent, listed, read, and acknowledged against a durable
// inbox per agent. Reservations extend a single exclusive file lock
// into full glob-pattern reservations with shared/exclusive modes, a
// TTL, and a background sweeper that expires stale holders.
package mail

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
	"github.com/lazyplatypus/coord-substrate/pkg/ratelimit"
)

// defaultInboxCap is the hard cap on inbox() results regardless of the
// requested limit end-to-end scenario 4.
const defaultInboxCap = 5

// Mail is the messaging and reservation subsystem for one project.
type Mail struct {
	d          *db.DB
	es         *eventstore.Store
	projectKey string
	limiter    *ratelimit.Limiter
}

// New wires a Mail instance to its project's database and event store.
func New(d *db.DB, es *eventstore.Store, projectKey string) *Mail {
	return &Mail{d: d, es: es, projectKey: projectKey, limiter: ratelimit.New(d, projectKey)}
}

// --- Messaging ---

// sendEventData is the wire payload for message_sent.
type sendEventData struct {
	MessageID   int64    `json:"message_id"`
	From        string   `json:"from"`
	To          []string `json:"to"`
	Subject     string   `json:"subject"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Importance  string   `json:"importance"`
	AckRequired bool     `json:"ack_required"`
}

// Send persists a message to one or more recipients and appends a
// message_sent event. All writes happen in one transaction: either the
// message, every recipient row, and the event all commit, or none do.
func (m *Mail) Send(ctx context.Context, from string, to []string, subject, body, threadID string, importance model.Importance, ackRequired bool) (model.Message, error) {
	if err := m.limiter.Allow(from, "send"); err != nil {
		return model.Message{}, err
	}
	if from == "" {
		return model.Message{}, errs.Validation("missing_from", "from agent is required")
	}
	to = dedupeNonEmpty(to)
	if len(to) == 0 {
		return model.Message{}, errs.Validation("missing_recipients", "at least one recipient is required")
	}
	if subject == "" {
		return model.Message{}, errs.Validation("missing_subject", "subject is required")
	}
	if importance == "" {
		importance = model.ImportanceNormal
	}

	now := time.Now().UTC()
	var msg model.Message
	var produced model.Event

	err := m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			res, err := tx.ExecContext(ctx,
				`INSERT INTO messages(project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at) VALUES (?,?,?,?,?,?,?,?)`,
				m.projectKey, from, subject, body, nullableString(threadID), string(importance), ackRequired, now.UnixMilli(),
			)
			if err != nil {
				return errs.Transient("message_insert_failed", "%v", err).Wrap(err)
			}
			id, _ := res.LastInsertId()

			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages_fts(rowid, subject, body) VALUES (?, ?, ?)`, id, subject, body,
			); err != nil {
				return errs.Transient("fts_insert_failed", "%v", err).Wrap(err)
			}

			for _, r := range to {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO message_recipients(message_id, agent) VALUES (?, ?)`, id, r,
				); err != nil {
					return errs.Transient("recipient_insert_failed", "%v", err).Wrap(err)
				}
			}

			if threadID != "" {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO threads(project_key, thread_id, created_at, last_activity_at) VALUES (?,?,?,?)
					 ON CONFLICT(project_key, thread_id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
					m.projectKey, threadID, now.UnixMilli(), now.UnixMilli(),
				); err != nil {
					return errs.Transient("thread_upsert_failed", "%v", err).Wrap(err)
				}
			}

			ev, err := m.es.AppendTx(ctx, tx, model.EventMessageSent, sendEventData{
				MessageID: id, From: from, To: to, Subject: subject, ThreadID: threadID,
				Importance: string(importance), AckRequired: ackRequired,
			})
			if err != nil {
				return err
			}

			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}

			msg = model.Message{
				ID: id, ProjectKey: m.projectKey, FromAgent: from, ToAgents: to,
				Subject: subject, Body: body, ThreadID: threadID,
				Importance: importance, AckRequired: ackRequired, CreatedAt: now,
			}
			produced = ev
			return nil
		})
	})
	if err != nil {
		return model.Message{}, err
	}
	m.es.Published(produced)
	return msg, nil
}

// Inbox returns header-only entries (never bodies) for agent, newest
// first, sorted by importance then recency, capped at defaultInboxCap
// regardless of the requested limit ().
func (m *Mail) Inbox(ctx context.Context, agent string, limit int) ([]model.InboxEntry, error) {
	if err := m.limiter.Allow(agent, "inbox"); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []model.InboxEntry{}, nil
	}
	cap := defaultInboxCap
	if limit > 0 && limit < cap {
		cap = limit
	}

	rows, err := m.d.Conn.QueryContext(ctx, `
		SELECT msg.id, msg.subject, msg.from_agent, msg.importance, msg.ack_required, COALESCE(msg.thread_id,''), msg.created_at
		FROM messages msg
		JOIN message_recipients r ON r.message_id = msg.id
		WHERE msg.project_key = ? AND r.agent = ?
		ORDER BY msg.created_at DESC`, m.projectKey, agent)
	if err != nil {
		return nil, errs.Transient("inbox_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	var entries []model.InboxEntry
	for rows.Next() {
		var e model.InboxEntry
		var importance string
		var createdMs int64
		if err := rows.Scan(&e.MessageID, &e.Subject, &e.From, &importance, &e.AckRequired, &e.ThreadID, &createdMs); err != nil {
			return nil, errs.Corrupted("inbox_scan_failed", "%v", err).Wrap(err)
		}
		e.Importance = model.Importance(importance)
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Importance.Rank() != entries[j].Importance.Rank() {
			return entries[i].Importance.Rank() > entries[j].Importance.Rank()
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	if len(entries) > cap {
		entries = entries[:cap]
	}
	return entries, nil
}

// ReadMessage returns the full message (with body) and marks it read
// for agent, appending a message_read event exactly once per (message,
// agent) pair.
func (m *Mail) ReadMessage(ctx context.Context, agent string, messageID int64) (model.Message, error) {
	if err := m.limiter.Allow(agent, "read_message"); err != nil {
		return model.Message{}, err
	}

	var msg model.Message
	var produced *model.Event
	err := m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			var fromAgent, subject, body, threadID, importance string
			var createdMs int64
			var ackRequired bool
			err = tx.QueryRowContext(ctx,
				`SELECT from_agent, subject, body, COALESCE(thread_id,''), importance, ack_required, created_at FROM messages WHERE project_key = ? AND id = ?`,
				m.projectKey, messageID,
			).Scan(&fromAgent, &subject, &body, &threadID, &importance, &ackRequired, &createdMs)
			if err == sql.ErrNoRows {
				return errs.NotFound("message_not_found", "message %d not found", messageID)
			}
			if err != nil {
				return errs.Transient("message_read_query_failed", "%v", err).Wrap(err)
			}

			res, err := tx.ExecContext(ctx,
				`UPDATE message_recipients SET read_at = ? WHERE message_id = ? AND agent = ? AND read_at IS NULL`,
				time.Now().UTC().UnixMilli(), messageID, agent,
			)
			if err != nil {
				return errs.Transient("mark_read_failed", "%v", err).Wrap(err)
			}
			var ev model.Event
			if n, _ := res.RowsAffected(); n > 0 {
				ev, err = m.es.AppendTx(ctx, tx, model.EventMessageRead, map[string]interface{}{"message_id": messageID, "agent": agent})
				if err != nil {
					return err
				}
			}

			if err := tx.Commit(); err != nil {
				return errs.Transient("commit_failed", "%v", err).Wrap(err)
			}

			msg = model.Message{
				ID: messageID, ProjectKey: m.projectKey, FromAgent: fromAgent, Subject: subject, Body: body,
				ThreadID: threadID, Importance: model.Importance(importance), AckRequired: ackRequired,
				CreatedAt: time.UnixMilli(createdMs).UTC(),
			}
			if ev.Type != "" {
				produced = &ev
			}
			return nil
		})
	})
	if err != nil {
		return model.Message{}, err
	}
	if produced != nil {
		m.es.Published(*produced)
	}
	return msg, nil
}

// Ack marks a message acknowledged by agent. Acking twice is a no-op
// ( round-trip law).
func (m *Mail) Ack(ctx context.Context, agent string, messageID int64) error {
	var produced *model.Event
	err := m.es.WithProjectLock(func() error {
		return db.RetrySQLite(func() error {
			produced = nil
			tx, err := m.d.Conn.BeginTx(ctx, nil)
			if err != nil {
				return errs.Transient("begin_tx_failed", "%v", err).Wrap(err)
			}
			defer tx.Rollback()

			res, err := tx.ExecContext(ctx,
				`UPDATE message_recipients SET acked_at = ? WHERE message_id = ? AND agent = ? AND acked_at IS NULL`,
				time.Now().UTC().UnixMilli(), messageID, agent,
			)
			if err != nil {
				return errs.Transient("ack_failed", "%v", err).Wrap(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return tx.Commit() // already acked, or no such recipient row — no-op either way
			}
			ev, err := m.es.AppendTx(ctx, tx, model.EventMessageAcked, map[string]interface{}{"message_id": messageID, "agent": agent})
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
		m.es.Published(*produced)
	}
	return nil
}

// SummarizeThread derives a ThreadSummary from all messages in threadID.
// With no Analyzer configured, key_points/action_items come from a
// cheap heuristic (first sentence of each message, lines starting with
// "TODO"/"action:"); a pluggable Analyzer may replace this later
// without changing the call signature.
func (m *Mail) SummarizeThread(ctx context.Context, agent, threadID string) (model.ThreadSummary, error) {
	if err := m.limiter.Allow(agent, "summarize_thread"); err != nil {
		return model.ThreadSummary{}, err
	}
	if threadID == "" {
		return model.ThreadSummary{}, errs.Validation("missing_thread_id", "thread_id is required")
	}

	rows, err := m.d.Conn.QueryContext(ctx,
		`SELECT id, from_agent, subject, body, importance, ack_required, created_at FROM messages WHERE project_key = ? AND thread_id = ? ORDER BY created_at ASC`,
		m.projectKey, threadID)
	if err != nil {
		return model.ThreadSummary{}, errs.Transient("thread_query_failed", "%v", err).Wrap(err)
	}
	defer rows.Close()

	participants := map[string]bool{}
	var keyPoints, actionItems []string
	var examples []model.Message
	count := 0
	for rows.Next() {
		var msg model.Message
		var importance string
		var createdMs int64
		if err := rows.Scan(&msg.ID, &msg.FromAgent, &msg.Subject, &msg.Body, &importance, &msg.AckRequired, &createdMs); err != nil {
			return model.ThreadSummary{}, errs.Corrupted("thread_scan_failed", "%v", err).Wrap(err)
		}
		msg.Importance = model.Importance(importance)
		msg.ThreadID = threadID
		msg.CreatedAt = time.UnixMilli(createdMs).UTC()
		participants[msg.FromAgent] = true
		count++

		if s := firstSentence(msg.Body); s != "" {
			keyPoints = append(keyPoints, s)
		}
		for _, line := range strings.Split(msg.Body, "\n") {
			t := strings.TrimSpace(line)
			lower := strings.ToLower(t)
			if strings.HasPrefix(lower, "todo") || strings.HasPrefix(lower, "action:") {
				actionItems = append(actionItems, t)
			}
		}
		if len(examples) < 3 {
			examples = append(examples, msg)
		}
	}
	if err := rows.Err(); err != nil {
		return model.ThreadSummary{}, err
	}
	if count == 0 {
		return model.ThreadSummary{}, errs.NotFound("thread_not_found", "thread %q has no messages", threadID)
	}

	var names []string
	for p := range participants {
		names = append(names, p)
	}
	sort.Strings(names)

	return model.ThreadSummary{
		ThreadID: threadID, Participants: names, KeyPoints: keyPoints,
		ActionItems: actionItems, TotalMessages: count, Examples: examples,
	}, nil
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, sep := range []string{". ", "\n"} {
		if idx := strings.Index(s, sep); idx > 0 {
			return s[:idx]
		}
	}
	if len(s) > 140 {
		return s[:140]
	}
	return s
}

func dedupeNonEmpty(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
