package fleetrunner

import (
	"testing"

	"github.com/pkg/errors"
)

func newTestCommand(id string) *Command {
	return &Command{ID: id, Workload: "noop"}
}

func TestQueueSubmitAppliesDefaults(t *testing.T) {
	q := NewQueue()
	cmd := &Command{Workload: "noop"}
	if err := q.Submit(cmd); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if cmd.ID == "" {
		t.Fatalf("expected a generated command ID")
	}
	if cmd.Policy.MaxAttempts != 1 {
		t.Fatalf("expected default MaxAttempts 1, got %d", cmd.Policy.MaxAttempts)
	}
	if _, ok := cmd.Sink.(NoopSink); !ok {
		t.Fatalf("expected NoopSink default, got %T", cmd.Sink)
	}
	if got := cmd.State(); got != CommandPending {
		t.Fatalf("expected pending state, got %s", got)
	}
}

func TestQueueSubmitRejectsInvalidCriteria(t *testing.T) {
	q := NewQueue()
	cmd := newTestCommand("bad")
	cmd.Criteria = SelectionCriteria{MinSdkLevel: -1}
	if err := q.Submit(cmd); err == nil {
		t.Fatalf("expected submit to reject unsatisfiable criteria")
	}
	if q.Len() != 0 {
		t.Fatalf("rejected command must not be enqueued")
	}
}

func TestQueueSubmitRejectsDuplicateID(t *testing.T) {
	q := NewQueue()
	if err := q.Submit(newTestCommand("dup")); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if err := q.Submit(newTestCommand("dup")); err == nil {
		t.Fatalf("expected duplicate ID rejection")
	}
}

func TestQueueKeepsFIFOPositionAcrossRequeue(t *testing.T) {
	q := NewQueue()
	a, b, c := newTestCommand("a"), newTestCommand("b"), newTestCommand("c")
	for _, cmd := range []*Command{a, b, c} {
		if err := q.Submit(cmd); err != nil {
			t.Fatalf("Submit %s error: %v", cmd.ID, err)
		}
	}

	if !q.MarkDispatching(b) {
		t.Fatalf("expected to claim command b")
	}
	pending := q.Pending()
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "c" {
		t.Fatalf("unexpected pending set while b dispatched: %v", commandIDs(pending))
	}

	// A transient allocation timeout returns b at its original position,
	// not at the back of the queue.
	if err := q.Requeue(b); err != nil {
		t.Fatalf("Requeue error: %v", err)
	}
	pending = q.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, pending[i].ID)
		}
	}
}

func TestQueueCancelPendingRemoves(t *testing.T) {
	q := NewQueue()
	cmd := newTestCommand("pending")
	if err := q.Submit(cmd); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	outcome, err := q.Cancel("pending")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if outcome != CancelRemoved {
		t.Fatalf("expected removed outcome, got %s", outcome)
	}
	if got := cmd.State(); got != CommandFailed {
		t.Fatalf("expected failed state, got %s", got)
	}
	if got := cmd.Classification(); got != ClassCanceled {
		t.Fatalf("expected canceled classification, got %s", got)
	}
	select {
	case <-cmd.Done():
	default:
		t.Fatalf("done channel not closed for canceled command")
	}
}

func TestQueueCancelDispatchedSignals(t *testing.T) {
	q := NewQueue()
	cmd := newTestCommand("running")
	if err := q.Submit(cmd); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !q.MarkDispatching(cmd) {
		t.Fatalf("expected to claim command")
	}
	signaled := false
	cmd.bindCancel(func() { signaled = true })

	outcome, err := q.Cancel("running")
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if outcome != CancelSignaled {
		t.Fatalf("expected signaled outcome, got %s", outcome)
	}
	if !signaled {
		t.Fatalf("expected the in-flight attempt to be signaled")
	}
	if got := cmd.State(); got != CommandDispatching {
		t.Fatalf("signaled command must settle through the scheduler, got state %s", got)
	}
}

func TestQueueCancelTerminalIsNoop(t *testing.T) {
	q := NewQueue()
	cmd := newTestCommand("done")
	if err := q.Submit(cmd); err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if _, err := q.Cancel("done"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	outcome, err := q.Cancel("done")
	if err != nil {
		t.Fatalf("second Cancel error: %v", err)
	}
	if outcome != CancelAlreadyFinished {
		t.Fatalf("expected already finished outcome, got %s", outcome)
	}
}

func TestQueueCancelUnknownCommand(t *testing.T) {
	q := NewQueue()
	if _, err := q.Cancel("missing"); !errors.Is(err, ErrCommandNotFound) {
		t.Fatalf("expected command-not-found error, got %v", err)
	}
}

func commandIDs(cmds []*Command) []string {
	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		ids = append(ids, cmd.ID)
	}
	return ids
}
