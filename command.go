package fleetrunner

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CommandState tracks a command through the scheduling lifecycle.
type CommandState string

const (
	CommandPending        CommandState = "pending"
	CommandDispatching    CommandState = "dispatching"
	CommandAllocated      CommandState = "allocated"
	CommandRunning        CommandState = "running"
	CommandCompleted      CommandState = "completed"
	CommandFailed         CommandState = "failed"
	CommandAwaitingResume CommandState = "awaiting_resume"
)

// IsTerminal reports whether the state is final.
func (s CommandState) IsTerminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// Classification names why a command ended the way it did.
type Classification string

const (
	ClassNone           Classification = ""
	ClassSetupFailed    Classification = "setup_failed"
	ClassDeviceLost     Classification = "device_lost"
	ClassWorkloadFailed Classification = "workload_failed"
	ClassUnmatchable    Classification = "unmatchable"
	ClassCanceled       Classification = "canceled"
)

// RetryPolicy controls how a command survives failures. MaxAttempts bounds
// device allocations (the initial run plus resumes); rerun passes within a
// single allocation are bounded by the same budget.
type RetryPolicy struct {
	// RerunMode re-runs only the remaining units on the same device after a
	// workload failure.
	RerunMode bool
	// ResumeMode re-enqueues the command with its progress after device loss.
	ResumeMode  bool
	MaxAttempts int
}

// Command is one submitted unit of test work: an opaque workload plus the
// device requirements and retry policy supplied at submission time.
type Command struct {
	ID          string
	Workload    any
	Criteria    SelectionCriteria
	Policy      RetryPolicy
	ExecTimeout time.Duration
	Sink        ResultSink

	mu             sync.Mutex
	state          CommandState
	seq            uint64
	attempts       int
	idleCycles     int
	progress       *ResumableProgress
	failedUnits    []string
	classification Classification
	err            error
	canceled       bool
	cancel         context.CancelFunc
	done           chan struct{}
}

var commandTransitions = map[CommandState][]CommandState{
	CommandPending:        {CommandDispatching, CommandFailed},
	CommandDispatching:    {CommandAllocated, CommandPending, CommandFailed},
	CommandAllocated:      {CommandRunning, CommandFailed},
	CommandRunning:        {CommandCompleted, CommandFailed, CommandAwaitingResume},
	CommandAwaitingResume: {CommandPending, CommandFailed},
}

func (c *Command) transitionLocked(to CommandState) error {
	for _, allowed := range commandTransitions[c.state] {
		if allowed == to {
			c.state = to
			if to.IsTerminal() {
				close(c.done)
			}
			return nil
		}
	}
	return errors.Errorf("command %s: invalid transition %s -> %s", c.ID, c.state, to)
}

func (c *Command) transition(to CommandState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(to)
}

// State returns the command's current lifecycle state.
func (c *Command) State() CommandState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many device allocations the command has consumed.
func (c *Command) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Classification returns why the command ended, ClassNone while running.
func (c *Command) Classification() Classification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classification
}

// Err returns the terminal error, nil for completed commands.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// FailedUnits lists workload units that reported failure. A command can be
// Completed with failed units: workload failure is not an orchestration
// failure.
func (c *Command) FailedUnits() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.failedUnits))
	copy(out, c.failedUnits)
	return out
}

// Progress returns the resumable progress captured by the last interrupted
// attempt, nil when none exists.
func (c *Command) Progress() *ResumableProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Done is closed when the command reaches a terminal state.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the command is terminal or ctx expires.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return nil
	}
}

func (c *Command) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// bindCancel stores the cancel func for the in-flight attempt so Cancel can
// reach a running invocation.
func (c *Command) bindCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// beginAttempt transitions Allocated -> Running and bumps the attempt
// counter, returning the attempt number.
func (c *Command) beginAttempt() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transitionLocked(CommandRunning); err != nil {
		return 0, err
	}
	c.attempts++
	return c.attempts, nil
}

// complete marks the command Completed, recording workload-level failures.
func (c *Command) complete(failedUnits []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transitionLocked(CommandCompleted); err != nil {
		return err
	}
	c.failedUnits = failedUnits
	if len(failedUnits) > 0 {
		c.classification = ClassWorkloadFailed
	}
	c.progress = nil
	return nil
}

// fail marks the command Failed with its classification.
func (c *Command) fail(class Classification, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transitionLocked(CommandFailed); err != nil {
		return err
	}
	c.classification = class
	c.err = cause
	c.progress = nil
	return nil
}

// awaitResume parks the command with the progress of the interrupted attempt.
func (c *Command) awaitResume(progress *ResumableProgress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.transitionLocked(CommandAwaitingResume); err != nil {
		return err
	}
	c.progress = progress
	return nil
}
