package fleetrunner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// recordingSink counts lifecycle events so tests can assert the
// exactly-one-pair guarantee.
type recordingSink struct {
	mu       sync.Mutex
	started  int
	ended    int
	failures []string
	logs     []string
}

func (s *recordingSink) InvocationStarted(ctx context.Context, attempt int) error {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) InvocationEnded(ctx context.Context, attempt int) error {
	s.mu.Lock()
	s.ended++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) RunFailed(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.failures = append(s.failures, reason)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Log(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	s.logs = append(s.logs, name)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) counts() (started, ended, failures int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, s.ended, len(s.failures)
}

func TestInvocationEmitsOneStartedEndedPair(t *testing.T) {
	sink := &recordingSink{}
	cmd := &Command{ID: "ok", Workload: "noop", Sink: sink}
	executor := &scriptedExecutor{
		script: func(ctx context.Context, call int, spec ExecutionSpec) (RunResult, error) {
			return RunResult{Outcome: OutcomeCompleted}, nil
		},
	}

	res := newInvocation(cmd, DeviceSnapshot{Serial: "dev"}, 1, executor, nil).Run(context.Background())
	if res.Verdict != VerdictOk {
		t.Fatalf("expected ok verdict, got %s", res.Verdict)
	}
	started, ended, failures := sink.counts()
	if started != 1 || ended != 1 {
		t.Fatalf("expected exactly one started/ended pair, got %d/%d", started, ended)
	}
	if failures != 0 {
		t.Fatalf("expected no failure events, got %d", failures)
	}
}

func TestInvocationSetupFailure(t *testing.T) {
	sink := &recordingSink{}
	cmd := &Command{ID: "setup", Workload: "noop", Sink: sink}
	executor := &scriptedExecutor{
		script: func(ctx context.Context, call int, spec ExecutionSpec) (RunResult, error) {
			return RunResult{Outcome: OutcomeCompleted}, nil
		},
	}
	preparers := []TargetPreparer{failingPreparer{err: errors.New("push artifact failed")}}

	res := newInvocation(cmd, DeviceSnapshot{Serial: "dev"}, 1, executor, preparers).Run(context.Background())
	if res.Verdict != VerdictSetupFailed {
		t.Fatalf("expected setup_failed verdict, got %s", res.Verdict)
	}
	if len(executor.calls()) != 0 {
		t.Fatalf("executor must not run after failed preparation")
	}
	started, ended, failures := sink.counts()
	if started != 1 || ended != 1 {
		t.Fatalf("expected exactly one started/ended pair, got %d/%d", started, ended)
	}
	if failures != 1 {
		t.Fatalf("expected one failure event, got %d", failures)
	}
}

func TestInvocationDeviceLossCapturesProgress(t *testing.T) {
	sink := &recordingSink{}
	cmd := &Command{ID: "lossy", Workload: "noop", Sink: sink}
	blob := []byte(`{"completed":["u1","u2"]}`)
	executor := &scriptedExecutor{
		script: func(ctx context.Context, call int, spec ExecutionSpec) (RunResult, error) {
			return RunResult{
				Outcome:        OutcomeInterrupted,
				ResumeState:    blob,
				CompletedUnits: []string{"u1", "u2"},
			}, errors.Wrap(ErrDeviceLost, "usb gone")
		},
	}

	res := newInvocation(cmd, DeviceSnapshot{Serial: "dev"}, 3, executor, nil).Run(context.Background())
	if res.Verdict != VerdictDeviceLost {
		t.Fatalf("expected device_lost verdict, got %s", res.Verdict)
	}
	if res.Progress == nil {
		t.Fatalf("device loss must capture progress")
	}
	if res.Progress.CommandID != "lossy" || res.Progress.Attempt != 3 {
		t.Fatalf("unexpected progress identity: %+v", res.Progress)
	}
	if string(res.Progress.ResumeState) != string(blob) {
		t.Fatalf("resume blob not carried: %q", res.Progress.ResumeState)
	}
	if len(res.Progress.CompletedUnits) != 2 {
		t.Fatalf("completed units not carried: %v", res.Progress.CompletedUnits)
	}
	if !IsDeviceLost(res.Err) {
		t.Fatalf("expected device-lost error, got %v", res.Err)
	}
}

func TestInvocationPriorProgressPreservedThroughSetupLoss(t *testing.T) {
	// A device that dies during preparation of a resumed attempt must not
	// wipe out the units completed by the previous attempt.
	cmd := &Command{ID: "resumed", Workload: "noop", Sink: NoopSink{}}
	cmd.progress = &ResumableProgress{
		CommandID:      "resumed",
		Attempt:        1,
		ResumeState:    []byte(`{"completed":["u1"]}`),
		CompletedUnits: []string{"u1"},
	}
	executor := &scriptedExecutor{
		script: func(ctx context.Context, call int, spec ExecutionSpec) (RunResult, error) {
			return RunResult{Outcome: OutcomeCompleted}, nil
		},
	}
	preparers := []TargetPreparer{failingPreparer{err: errors.Wrap(ErrDeviceLost, "reboot loop")}}

	res := newInvocation(cmd, DeviceSnapshot{Serial: "dev"}, 2, executor, preparers).Run(context.Background())
	if res.Verdict != VerdictDeviceLost {
		t.Fatalf("expected device_lost verdict, got %s", res.Verdict)
	}
	if res.Progress == nil || len(res.Progress.CompletedUnits) != 1 || res.Progress.CompletedUnits[0] != "u1" {
		t.Fatalf("prior progress lost: %+v", res.Progress)
	}
}

func TestInvocationTimeoutPresumesDeviceLost(t *testing.T) {
	cmd := &Command{ID: "slow", Workload: "noop", Sink: NoopSink{}, ExecTimeout: 20 * time.Millisecond}
	executor := &scriptedExecutor{
		script: func(ctx context.Context, call int, spec ExecutionSpec) (RunResult, error) {
			<-ctx.Done()
			return RunResult{Outcome: OutcomeInterrupted}, ctx.Err()
		},
	}

	res := newInvocation(cmd, DeviceSnapshot{Serial: "dev"}, 1, executor, nil).Run(context.Background())
	if res.Verdict != VerdictDeviceLost {
		t.Fatalf("expected device_lost verdict on timeout, got %s", res.Verdict)
	}
	if res.Progress == nil {
		t.Fatalf("timeout must still capture progress")
	}
}

func TestInvocationCanceledContext(t *testing.T) {
	cmd := &Command{ID: "canceled", Workload: "noop", Sink: NoopSink{}}
	ctx, cancel := context.WithCancel(context.Background())
	executor := &scriptedExecutor{
		script: func(ctx context.Context, call int, spec ExecutionSpec) (RunResult, error) {
			cancel()
			<-ctx.Done()
			return RunResult{Outcome: OutcomeInterrupted}, ctx.Err()
		},
	}

	res := newInvocation(cmd, DeviceSnapshot{Serial: "dev"}, 1, executor, nil).Run(ctx)
	if res.Verdict != VerdictCanceled {
		t.Fatalf("expected canceled verdict, got %s", res.Verdict)
	}
	if res.Progress != nil {
		t.Fatalf("cancellation must not carry resumable progress")
	}
}
