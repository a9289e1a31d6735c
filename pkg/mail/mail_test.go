package mail

import (
	"context"
	"testing"

	"github.com/lazyplatypus/coord-substrate/pkg/db"
	"github.com/lazyplatypus/coord-substrate/pkg/errs"
	"github.com/lazyplatypus/coord-substrate/pkg/eventstore"
	"github.com/lazyplatypus/coord-substrate/pkg/model"
)

func newTestMail(t *testing.T) *Mail {
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

func TestSendRequiresFromAndRecipientsAndSubject(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.Send(ctx, "", []string{"bob"}, "hi", "body", "", model.ImportanceNormal, false); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Send with no from = %v, want validation error", err)
	}
	if _, err := m.Send(ctx, "alice", nil, "hi", "body", "", model.ImportanceNormal, false); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Send with no recipients = %v, want validation error", err)
	}
	if _, err := m.Send(ctx, "alice", []string{"bob"}, "", "body", "", model.ImportanceNormal, false); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("Send with no subject = %v, want validation error", err)
	}
}

func TestSendThenInboxReturnsHeaderOnly(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	msg, err := m.Send(ctx, "alice", []string{"bob", "carol"}, "status update", "full body text", "", model.ImportanceNormal, false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("Send should assign a message ID")
	}

	inbox, err := m.Inbox(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 1 || inbox[0].MessageID != msg.ID || inbox[0].Subject != "status update" {
		t.Fatalf("Inbox(bob) = %+v, want one entry for the sent message", inbox)
	}

	other, err := m.Inbox(ctx, "dave", 10)
	if err != nil {
		t.Fatalf("Inbox(dave): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("Inbox(dave) should be empty, got %v", other)
	}
}

func TestInboxCapsAtDefaultCapRegardlessOfLimit(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	for i := 0; i < defaultInboxCap+5; i++ {
		if _, err := m.Send(ctx, "alice", []string{"bob"}, "subject", "body", "", model.ImportanceNormal, false); err != nil {
			t.Fatalf("Send #%d: %v", i, err)
		}
	}

	inbox, err := m.Inbox(ctx, "bob", 1000)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != defaultInboxCap {
		t.Fatalf("Inbox returned %d entries, want the hard cap of %d", len(inbox), defaultInboxCap)
	}
}

func TestInboxOrdersByImportanceThenRecency(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	m.Send(ctx, "alice", []string{"bob"}, "low prio", "body", "", model.ImportanceLow, false)
	m.Send(ctx, "alice", []string{"bob"}, "urgent one", "body", "", model.ImportanceUrgent, false)
	m.Send(ctx, "alice", []string{"bob"}, "normal prio", "body", "", model.ImportanceNormal, false)

	inbox, err := m.Inbox(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("Inbox: %v", err)
	}
	if len(inbox) != 3 || inbox[0].Subject != "urgent one" {
		t.Fatalf("Inbox() = %v, want the urgent message first", inbox)
	}
}

func TestReadMessageReturnsBodyAndMarksReadOnce(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	msg, err := m.Send(ctx, "alice", []string{"bob"}, "subject", "the body", "", model.ImportanceNormal, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	read, err := m.ReadMessage(ctx, "bob", msg.ID)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if read.Body != "the body" {
		t.Fatalf("ReadMessage body = %q, want %q", read.Body, "the body")
	}

	// reading again must not error and must not duplicate the read event.
	if _, err := m.ReadMessage(ctx, "bob", msg.ID); err != nil {
		t.Fatalf("second ReadMessage: %v", err)
	}
}

func TestReadMessageNotFound(t *testing.T) {
	m := newTestMail(t)
	_, err := m.ReadMessage(context.Background(), "bob", 99999)
	if !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("ReadMessage(nonexistent) = %v, want not_found", err)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	msg, err := m.Send(ctx, "alice", []string{"bob"}, "subject", "body", "", model.ImportanceNormal, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := m.Ack(ctx, "bob", msg.ID); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := m.Ack(ctx, "bob", msg.ID); err != nil {
		t.Fatalf("second Ack should be a no-op, got %v", err)
	}
}

func TestSummarizeThreadAggregatesParticipantsAndActionItems(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	m.Send(ctx, "alice", []string{"bob"}, "kickoff", "Let's start the migration.\nTODO: write the plan", "thread-1", model.ImportanceNormal, false)
	m.Send(ctx, "bob", []string{"alice"}, "re: kickoff", "Sounds good.\naction: review the plan", "thread-1", model.ImportanceNormal, false)

	summary, err := m.SummarizeThread(ctx, "alice", "thread-1")
	if err != nil {
		t.Fatalf("SummarizeThread: %v", err)
	}
	if summary.TotalMessages != 2 {
		t.Fatalf("TotalMessages = %d, want 2", summary.TotalMessages)
	}
	if len(summary.Participants) != 2 {
		t.Fatalf("Participants = %v, want alice and bob", summary.Participants)
	}
	if len(summary.ActionItems) != 2 {
		t.Fatalf("ActionItems = %v, want one TODO and one action: line", summary.ActionItems)
	}
}

func TestSummarizeThreadRequiresThreadIDAndExistingMessages(t *testing.T) {
	m := newTestMail(t)
	ctx := context.Background()

	if _, err := m.SummarizeThread(ctx, "alice", ""); !errs.Is(err, errs.KindValidation) {
		t.Fatalf("SummarizeThread with no thread_id = %v, want validation error", err)
	}
	if _, err := m.SummarizeThread(ctx, "alice", "no-such-thread"); !errs.Is(err, errs.KindNotFound) {
		t.Fatalf("SummarizeThread(unknown thread) = %v, want not_found", err)
	}
}
