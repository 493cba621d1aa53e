package fleetrunner

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CancelOutcome tells the caller which cancellation path applied, so a
// cancel racing the scheduler's dispatch is detectable.
type CancelOutcome string

const (
	// CancelRemoved: the command was still pending and was failed in place.
	CancelRemoved CancelOutcome = "removed"
	// CancelSignaled: the command was already dispatched; the running
	// invocation was signaled and will release its device cooperatively.
	CancelSignaled CancelOutcome = "signaled"
	// CancelAlreadyFinished: the command had already reached a terminal state.
	CancelAlreadyFinished CancelOutcome = "already_finished"
)

// Queue is the ordered set of submitted commands. Commands stay in the
// queue until terminal; FIFO position is the submission sequence and is
// kept across requeues, so a transient allocation timeout never reorders.
type Queue struct {
	mu       sync.Mutex
	nextSeq  uint64
	commands []*Command
	byID     map[string]*Command
}

// NewQueue returns an empty command queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[string]*Command)}
}

// Submit validates and enqueues a command as Pending. Criteria validation
// failures are setup errors: the command is rejected outright.
func (q *Queue) Submit(cmd *Command) error {
	if cmd == nil {
		return errors.New("command cannot be nil")
	}
	if err := cmd.Criteria.Validate(); err != nil {
		return errors.Wrap(err, "reject command")
	}
	if strings.TrimSpace(cmd.ID) == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.Sink == nil {
		cmd.Sink = NoopSink{}
	}
	if cmd.Policy.MaxAttempts <= 0 {
		cmd.Policy.MaxAttempts = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.byID[cmd.ID]; exists {
		return errors.Errorf("command %s already submitted", cmd.ID)
	}
	cmd.mu.Lock()
	cmd.state = CommandPending
	cmd.seq = q.nextSeq
	cmd.done = make(chan struct{})
	cmd.mu.Unlock()
	q.nextSeq++
	q.commands = append(q.commands, cmd)
	q.byID[cmd.ID] = cmd
	log.Info().
		Str("command_id", cmd.ID).
		Int("max_attempts", cmd.Policy.MaxAttempts).
		Bool("resume_mode", cmd.Policy.ResumeMode).
		Bool("rerun_mode", cmd.Policy.RerunMode).
		Msg("command submitted")
	return nil
}

// Get returns a submitted command by ID.
func (q *Queue) Get(id string) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrCommandNotFound, "id %s", id)
	}
	return cmd, nil
}

// Pending returns the Pending commands in submission order.
func (q *Queue) Pending() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Command, 0, len(q.commands))
	for _, cmd := range q.commands {
		if cmd.State() == CommandPending {
			out = append(out, cmd)
		}
	}
	return out
}

// MarkDispatching claims a pending command for an allocation attempt.
// Returns false when another path (cancel, concurrent dispatch) got there
// first.
func (q *Queue) MarkDispatching(cmd *Command) bool {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	if cmd.state != CommandPending {
		return false
	}
	return cmd.transitionLocked(CommandDispatching) == nil
}

// Requeue returns a dispatched or resume-parked command to Pending at its
// original queue position.
func (q *Queue) Requeue(cmd *Command) error {
	if err := cmd.transition(CommandPending); err != nil {
		return err
	}
	log.Debug().Str("command_id", cmd.ID).Msg("command requeued")
	return nil
}

// NoteIdleCycle counts a scheduler cycle in which the command's criteria
// matched no known device, returning the running total.
func (q *Queue) NoteIdleCycle(cmd *Command) int {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	cmd.idleCycles++
	return cmd.idleCycles
}

// ResetIdleCycles clears the unmatchable counter once a candidate device
// appears.
func (q *Queue) ResetIdleCycles(cmd *Command) {
	cmd.mu.Lock()
	cmd.idleCycles = 0
	cmd.mu.Unlock()
}

// Cancel aborts a command. Pending commands are failed in place; dispatched
// or running commands are signaled and terminate through the scheduler's
// completion path, discarding any resumable progress.
func (q *Queue) Cancel(id string) (CancelOutcome, error) {
	cmd, err := q.Get(id)
	if err != nil {
		return "", err
	}
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	switch {
	case cmd.state.IsTerminal():
		return CancelAlreadyFinished, nil
	case cmd.state == CommandPending || cmd.state == CommandAwaitingResume:
		if err := cmd.transitionLocked(CommandFailed); err != nil {
			return "", err
		}
		cmd.canceled = true
		cmd.classification = ClassCanceled
		cmd.err = errors.New("canceled before dispatch")
		cmd.progress = nil
		log.Info().Str("command_id", id).Msg("pending command canceled")
		return CancelRemoved, nil
	default:
		cmd.canceled = true
		if cmd.cancel != nil {
			cmd.cancel()
		}
		log.Info().Str("command_id", id).Msg("running command cancellation signaled")
		return CancelSignaled, nil
	}
}

// Len returns how many commands the queue tracks, terminal included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}
