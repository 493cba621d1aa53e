package fleetrunner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Verdict is the runner's explicit classification of one attempt. Branching
// on it replaces unwind-style control flow: every exit path is a value.
type Verdict string

const (
	// VerdictOk: the workload ran to its end; workload-level failures are
	// recorded in FailedUnits but are not an orchestration failure.
	VerdictOk Verdict = "ok"
	// VerdictDeviceLost: the device stopped responding (or the execution
	// timeout expired and it is presumed wedged).
	VerdictDeviceLost Verdict = "device_lost"
	// VerdictSetupFailed: a precondition failed; fatal, never retried.
	VerdictSetupFailed Verdict = "setup_failed"
	// VerdictCanceled: the attempt was canceled cooperatively.
	VerdictCanceled Verdict = "canceled"
)

// InvocationResult reports one attempt back to the scheduler.
type InvocationResult struct {
	Verdict     Verdict
	Progress    *ResumableProgress
	FailedUnits []string
	Err         error
}

// invocation is the live execution context binding one allocated device to
// one command attempt. It exists only while the attempt runs; the logger
// and sink travel with it explicitly rather than being discovered from any
// ambient state.
type invocation struct {
	id        string
	cmd       *Command
	device    DeviceSnapshot
	attempt   int
	executor  WorkloadExecutor
	preparers []TargetPreparer
	sink      ResultSink
	logger    zerolog.Logger
}

func newInvocation(cmd *Command, device DeviceSnapshot, attempt int, executor WorkloadExecutor, preparers []TargetPreparer) *invocation {
	id := uuid.NewString()
	return &invocation{
		id:        id,
		cmd:       cmd,
		device:    device,
		attempt:   attempt,
		executor:  executor,
		preparers: preparers,
		sink:      cmd.Sink,
		logger: log.With().
			Str("invocation_id", id).
			Str("command_id", cmd.ID).
			Str("serial", device.Serial).
			Int("attempt", attempt).
			Logger(),
	}
}

// Run drives one attempt: prepare the device, execute the workload, rerun
// the unexecuted remainder when policy allows, and classify the exit. The
// caller owns the device release; Run itself never touches the registry.
func (iv *invocation) Run(ctx context.Context) InvocationResult {
	runCtx := ctx
	if iv.cmd.ExecTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, iv.cmd.ExecTimeout)
		defer cancel()
	}

	iv.logger.Info().Msg("invocation started")
	if err := iv.sink.InvocationStarted(runCtx, iv.attempt); err != nil {
		iv.logger.Warn().Err(err).Msg("result sink rejected started event")
	}
	defer func() {
		if err := iv.sink.InvocationEnded(context.Background(), iv.attempt); err != nil {
			iv.logger.Warn().Err(err).Msg("result sink rejected ended event")
		}
	}()

	var resumeState []byte
	var completed []string
	if prior := iv.cmd.Progress(); prior != nil {
		resumeState = prior.ResumeState
		completed = append(completed, prior.CompletedUnits...)
		iv.logger.Info().
			Int("completed_units", len(completed)).
			Msg("resuming from prior progress")
	}

	for _, preparer := range iv.preparers {
		if err := preparer.Prepare(runCtx, iv.device.Serial); err != nil {
			if lost := iv.classifyInterrupt(runCtx, err, resumeState, completed); lost != nil {
				return *lost
			}
			iv.reportFailure(err.Error())
			iv.logger.Error().Err(err).Msg("target preparation failed")
			return InvocationResult{Verdict: VerdictSetupFailed, Err: errors.Wrap(err, "target preparation")}
		}
	}

	var failed []string
	maxPasses := iv.cmd.Policy.MaxAttempts
	if maxPasses <= 0 {
		maxPasses = 1
	}
	for pass := 1; ; pass++ {
		res, err := iv.executor.Run(runCtx, ExecutionSpec{
			DeviceSerial:   iv.device.Serial,
			Workload:       iv.cmd.Workload,
			ResumeState:    resumeState,
			CompletedUnits: completed,
			Sink:           iv.sink,
		})
		completed = appendUnique(completed, res.CompletedUnits)

		if err != nil || res.Outcome == OutcomeInterrupted {
			if res.ResumeState != nil {
				resumeState = res.ResumeState
			}
			if lost := iv.classifyInterrupt(runCtx, err, resumeState, completed); lost != nil {
				lost.FailedUnits = failed
				return *lost
			}
			iv.reportFailure(err.Error())
			iv.logger.Error().Err(err).Msg("workload executor failed")
			return InvocationResult{Verdict: VerdictSetupFailed, FailedUnits: failed, Err: errors.Wrap(err, "workload executor")}
		}

		failed = appendUnique(failed, res.FailedUnits)
		if res.Outcome == OutcomeCompleted || len(res.RemainingUnits) == 0 {
			iv.logger.Info().
				Int("completed_units", len(completed)).
				Int("failed_units", len(failed)).
				Msg("invocation completed")
			return InvocationResult{Verdict: VerdictOk, FailedUnits: failed}
		}

		if !iv.cmd.Policy.RerunMode || pass >= maxPasses {
			iv.logger.Info().
				Int("failed_units", len(failed)).
				Int("remaining_units", len(res.RemainingUnits)).
				Bool("rerun_mode", iv.cmd.Policy.RerunMode).
				Msg("invocation completed with recorded failures")
			return InvocationResult{Verdict: VerdictOk, FailedUnits: failed}
		}

		// Workload failure with an unexecuted remainder: re-run only the
		// remainder on the same device, within the same allocation.
		resumeState = res.ResumeState
		iv.logger.Warn().
			Int("pass", pass).
			Int("remaining_units", len(res.RemainingUnits)).
			Msg("re-running remaining workload units on same device")
	}
}

// classifyInterrupt maps an execution interruption to its verdict: nil when
// err is an ordinary failure, otherwise a canceled or device-lost result
// carrying resumable progress.
func (iv *invocation) classifyInterrupt(runCtx context.Context, err error, resumeState []byte, completed []string) *InvocationResult {
	switch {
	case iv.cmd.isCanceled() || errors.Is(runCtx.Err(), context.Canceled):
		iv.logger.Info().Msg("invocation canceled")
		return &InvocationResult{Verdict: VerdictCanceled, Err: context.Canceled}
	case err != nil && IsDeviceLost(err),
		errors.Is(runCtx.Err(), context.DeadlineExceeded),
		err == nil: // Interrupted outcome without an error still means the device went away.
		reason := "device stopped responding"
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			reason = "execution timeout expired, device presumed wedged"
		}
		iv.reportFailure(reason)
		iv.logger.Warn().Err(err).Msg(reason)
		return &InvocationResult{
			Verdict: VerdictDeviceLost,
			Progress: &ResumableProgress{
				CommandID:      iv.cmd.ID,
				Attempt:        iv.attempt,
				ResumeState:    resumeState,
				CompletedUnits: completed,
				CapturedAt:     time.Now(),
			},
			Err: errors.Wrap(ErrDeviceLost, reason),
		}
	default:
		return nil
	}
}

func (iv *invocation) reportFailure(reason string) {
	if err := iv.sink.RunFailed(context.Background(), reason); err != nil {
		iv.logger.Warn().Err(err).Msg("result sink rejected failure event")
	}
}

func appendUnique(base []string, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	for _, unit := range base {
		seen[unit] = struct{}{}
	}
	for _, unit := range extra {
		if _, ok := seen[unit]; ok {
			continue
		}
		seen[unit] = struct{}{}
		base = append(base, unit)
	}
	return base
}
