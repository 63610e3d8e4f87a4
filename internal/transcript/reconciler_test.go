package transcript

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
)

type recordingSink struct {
	messages []entities.ConversationMessage
}

func (s *recordingSink) Append(msg entities.ConversationMessage) {
	s.messages = append(s.messages, msg)
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T) (*Reconciler, *recordingSink) {
	sink := &recordingSink{}
	r := New("user-1", sink, zaptest.NewLogger(t), WithClock(func() time.Time { return fixedNow }))
	return r, sink
}

func TestReconciler_AppendAccumulatesPerDirection(t *testing.T) {
	r, sink := newTestReconciler(t)

	r.Append(repositories.DirectionInput, "o")
	r.Append(repositories.DirectionInput, "la")
	r.Append(repositories.DirectionOutput, "oi, ")
	r.Append(repositories.DirectionOutput, "tudo bem?")

	if got := r.Partial(repositories.DirectionInput); got != "ola" {
		t.Errorf("Expected input partial 'ola', got %q", got)
	}
	if got := r.Partial(repositories.DirectionOutput); got != "oi, tudo bem?" {
		t.Errorf("Expected output partial, got %q", got)
	}
	if len(sink.messages) != 0 {
		t.Errorf("Append must not commit, got %d messages", len(sink.messages))
	}
	if !r.Pending() {
		t.Error("Expected pending text")
	}
}

func TestReconciler_InterruptCommitsOutputOnly(t *testing.T) {
	r, sink := newTestReconciler(t)
	r.Append(repositories.DirectionInput, "ola")
	r.Append(repositories.DirectionOutput, "oi")

	msg, ok := r.CommitInterrupted()
	if !ok {
		t.Fatal("Expected a committed message")
	}
	if len(sink.messages) != 1 {
		t.Fatalf("Expected exactly one message, got %d", len(sink.messages))
	}
	if msg.Role != entities.RoleModel || msg.Text != "oi..." || !msg.Interrupted {
		t.Errorf("Unexpected interrupted message %+v", msg)
	}
	if r.Partial(repositories.DirectionOutput) != "" {
		t.Error("Output buffer should be cleared")
	}
	if r.Partial(repositories.DirectionInput) != "ola" {
		t.Error("Input buffer must stay open")
	}
}

func TestReconciler_FlushOrdersInputBeforeOutput(t *testing.T) {
	r, sink := newTestReconciler(t)
	r.Append(repositories.DirectionOutput, "A fotossíntese")
	r.Append(repositories.DirectionInput, "O que é fotossíntese?")

	flushed := r.Flush()

	if len(flushed) != 2 || len(sink.messages) != 2 {
		t.Fatalf("Expected two messages, got %d/%d", len(flushed), len(sink.messages))
	}
	if sink.messages[0].Role != entities.RoleUser || sink.messages[1].Role != entities.RoleModel {
		t.Errorf("Expected (user, model) order, got (%s, %s)", sink.messages[0].Role, sink.messages[1].Role)
	}
	for _, m := range sink.messages {
		if m.UserKey != "user-1" || !m.Timestamp.Equal(fixedNow) || m.Source != entities.SourceVoice {
			t.Errorf("Unexpected message metadata %+v", m)
		}
		if m.Interrupted {
			t.Error("Flushed messages are not interrupted")
		}
	}
	if r.Pending() {
		t.Error("Buffers should be empty after flush")
	}
}

func TestReconciler_WhitespaceNeverCommits(t *testing.T) {
	tests := []struct {
		name   string
		commit func(r *Reconciler) bool
	}{
		{"commit", func(r *Reconciler) bool { _, ok := r.Commit(repositories.DirectionOutput); return ok }},
		{"interrupted", func(r *Reconciler) bool { _, ok := r.CommitInterrupted(); return ok }},
		{"flush", func(r *Reconciler) bool { return len(r.Flush()) > 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, sink := newTestReconciler(t)
			r.Append(repositories.DirectionInput, "  \n")
			r.Append(repositories.DirectionOutput, "\t ")

			if tt.commit(r) {
				t.Error("Whitespace must not produce a message")
			}
			if len(sink.messages) != 0 {
				t.Errorf("Expected no messages, got %d", len(sink.messages))
			}
		})
	}
}

func TestReconciler_CommitTrimsAndClears(t *testing.T) {
	r, sink := newTestReconciler(t)
	r.Append(repositories.DirectionInput, "  quanto é 2+2?  ")

	msg, ok := r.Commit(repositories.DirectionInput)
	if !ok || msg.Text != "quanto é 2+2?" || msg.Role != entities.RoleUser {
		t.Fatalf("Unexpected commit result %+v, %v", msg, ok)
	}

	if _, ok := r.Commit(repositories.DirectionInput); ok {
		t.Error("Second commit of the same turn must be a no-op")
	}
	if len(sink.messages) != 1 {
		t.Errorf("Expected one message, got %d", len(sink.messages))
	}
}

func TestReconciler_UnknownDirectionIgnored(t *testing.T) {
	r, sink := newTestReconciler(t)
	r.Append(repositories.Direction(7), "x")
	if _, ok := r.Commit(repositories.Direction(7)); ok {
		t.Error("Unknown direction must not commit")
	}
	if r.Pending() || len(sink.messages) != 0 {
		t.Error("Unknown direction must not touch buffers")
	}
}

func TestReconciler_WithSource(t *testing.T) {
	sink := &recordingSink{}
	r := New("user-2", sink, zaptest.NewLogger(t), WithSource(entities.SourceText))
	r.Append(repositories.DirectionOutput, "ok")
	r.Flush()
	if len(sink.messages) != 1 || sink.messages[0].Source != entities.SourceText {
		t.Errorf("Expected text source, got %+v", sink.messages)
	}
}
