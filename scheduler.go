package fleetrunner

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig controls the coordinating loop.
type SchedulerConfig struct {
	// PollInterval paces refresh/dispatch cycles. Default 5s.
	PollInterval time.Duration
	// AllocTimeout bounds one allocation wait per command per cycle; on
	// expiry the command is requeued at its original position. Default
	// PollInterval.
	AllocTimeout time.Duration
	// HealthInterval paces probes of Unavailable devices. Default 30s.
	HealthInterval time.Duration
	// UnmatchableAfter is how many idle cycles a command whose criteria
	// match no known device is held before failing as unmatchable.
	// Default 10.
	UnmatchableAfter int

	Executor  WorkloadExecutor
	Preparers []TargetPreparer
	Recorder  Recorder
	Progress  ProgressStore
}

// Scheduler pairs pending commands with available devices. One coordinating
// loop plus one goroutine per in-flight command; the loop itself never
// blocks on a single allocation, so an unmatchable head-of-queue cannot
// starve the rest.
type Scheduler struct {
	cfg      SchedulerConfig
	registry *Registry
	queue    *Queue

	background sync.WaitGroup
}

// NewScheduler wires the scheduler with its registry and queue. Executor is
// required; recorder and progress store default to no-ops.
func NewScheduler(cfg SchedulerConfig, registry *Registry, queue *Queue) (*Scheduler, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if cfg.Executor == nil {
		return nil, errors.New("workload executor cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.AllocTimeout <= 0 {
		cfg.AllocTimeout = cfg.PollInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.UnmatchableAfter <= 0 {
		cfg.UnmatchableAfter = 10
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.Progress == nil {
		cfg.Progress = noopProgressStore{}
	}
	return &Scheduler{cfg: cfg, registry: registry, queue: queue}, nil
}

// Submit enqueues a command for scheduling.
func (s *Scheduler) Submit(cmd *Command) error {
	return s.queue.Submit(cmd)
}

// Cancel aborts a command; see Queue.Cancel for the race semantics.
func (s *Scheduler) Cancel(id string) (CancelOutcome, error) {
	return s.queue.Cancel(id)
}

// Command looks up a submitted command by ID.
func (s *Scheduler) Command(id string) (*Command, error) {
	return s.queue.Get(id)
}

// Start runs the scheduling and health loops until ctx is cancelled, then
// waits for in-flight invocations to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().
		Dur("poll_interval", s.cfg.PollInterval).
		Dur("alloc_timeout", s.cfg.AllocTimeout).
		Msg("start scheduler")
	group, groupCtx := errgroup.WithContext(ctx)
	groupGoSafe(groupCtx, group, "scheduler-loop", s.loop)
	groupGoSafe(groupCtx, group, "device-health-loop", func(ctx context.Context) error {
		s.registry.HealthLoop(ctx, s.cfg.HealthInterval)
		return nil
	})
	err := group.Wait()
	s.background.Wait()
	return err
}

// RunOnce performs a single refresh/dispatch cycle and waits for every
// invocation it started. Intended for tests and one-shot tooling.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.runCycle(ctx); err != nil {
		return err
	}
	s.background.Wait()
	return nil
}

func (s *Scheduler) loop(ctx context.Context) error {
	// Fast-start: run one cycle immediately instead of waiting for the
	// first tick.
	if err := s.runCycle(ctx); err != nil {
		log.Error().Err(err).Msg("scheduler initial cycle failed")
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.runCycle(ctx); err != nil {
				log.Error().Err(err).Msg("scheduler cycle failed")
			}
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) error {
	if err := s.registry.Refresh(ctx); err != nil {
		return errors.Wrap(err, "refresh devices failed")
	}
	s.dispatchPending(ctx)
	return nil
}

// dispatchPending walks pending commands in submission order and hands each
// one to its own allocation goroutine.
func (s *Scheduler) dispatchPending(ctx context.Context) {
	for _, cmd := range s.queue.Pending() {
		if !s.registry.AnyKnownMatch(cmd.Criteria) {
			idle := s.queue.NoteIdleCycle(cmd)
			if idle >= s.cfg.UnmatchableAfter {
				s.failCommand(ctx, cmd, ClassUnmatchable,
					errors.Errorf("criteria matched no known device for %d cycles", idle))
			} else {
				log.Debug().
					Str("command_id", cmd.ID).
					Int("idle_cycles", idle).
					Msg("command held: criteria match no known device")
			}
			continue
		}
		s.queue.ResetIdleCycles(cmd)
		if !s.queue.MarkDispatching(cmd) {
			continue
		}
		s.background.Add(1)
		go s.allocateAndRun(ctx, cmd)
	}
}

func (s *Scheduler) allocateAndRun(ctx context.Context, cmd *Command) {
	defer s.background.Done()

	cmdCtx, cancel := context.WithCancel(ctx)
	cmd.bindCancel(cancel)
	defer cancel()

	device, err := s.registry.Allocate(cmdCtx, cmd.ID, cmd.Criteria, s.cfg.AllocTimeout)
	if err != nil {
		switch {
		case cmd.isCanceled():
			s.failCommand(ctx, cmd, ClassCanceled, errors.Wrap(err, "canceled while allocating"))
		case errors.Is(err, ErrAllocationTimeout):
			if reqErr := s.queue.Requeue(cmd); reqErr != nil {
				log.Debug().Err(reqErr).Str("command_id", cmd.ID).Msg("requeue after allocation timeout skipped")
			}
		default:
			// Shutdown: leave the command pending for a later cycle.
			if reqErr := s.queue.Requeue(cmd); reqErr != nil {
				log.Debug().Err(reqErr).Str("command_id", cmd.ID).Msg("requeue on shutdown skipped")
			}
		}
		return
	}

	if err := cmd.transition(CommandAllocated); err != nil {
		// Cancel raced the allocation; give the device straight back.
		log.Warn().Err(err).Str("command_id", cmd.ID).Msg("allocation abandoned")
		s.registry.Release(device.Serial)
		return
	}
	attempt, err := cmd.beginAttempt()
	if err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("begin attempt failed")
		s.registry.Release(device.Serial)
		return
	}
	s.recordCommand(ctx, cmd)

	result := newInvocation(cmd, device, attempt, s.cfg.Executor, s.cfg.Preparers).Run(cmdCtx)
	s.finishAttempt(ctx, cmd, device, result)
}

// finishAttempt settles one attempt: exactly one registry call per attempt
// ends the allocation (Release, or MarkUnavailable on loss), then the
// verdict maps onto the command state machine.
func (s *Scheduler) finishAttempt(ctx context.Context, cmd *Command, device DeviceSnapshot, res InvocationResult) {
	switch res.Verdict {
	case VerdictOk:
		s.registry.Release(device.Serial)
		s.discardProgress(ctx, cmd)
		if err := cmd.complete(res.FailedUnits); err != nil {
			log.Error().Err(err).Str("command_id", cmd.ID).Msg("complete transition failed")
			return
		}
		log.Info().
			Str("command_id", cmd.ID).
			Int("attempts", cmd.Attempts()).
			Int("failed_units", len(res.FailedUnits)).
			Msg("command completed")

	case VerdictSetupFailed:
		s.registry.Release(device.Serial)
		s.failCommand(ctx, cmd, ClassSetupFailed, res.Err)
		return

	case VerdictCanceled:
		s.registry.Release(device.Serial)
		s.failCommand(ctx, cmd, ClassCanceled, res.Err)
		return

	case VerdictDeviceLost:
		s.registry.MarkUnavailable(device.Serial)
		if cmd.Policy.ResumeMode && cmd.Attempts() < cmd.Policy.MaxAttempts {
			if err := cmd.awaitResume(res.Progress); err != nil {
				log.Error().Err(err).Str("command_id", cmd.ID).Msg("await resume transition failed")
				return
			}
			if err := s.cfg.Progress.SaveProgress(ctx, res.Progress); err != nil {
				log.Error().Err(err).Str("command_id", cmd.ID).Msg("persist resumable progress failed")
			}
			if err := s.queue.Requeue(cmd); err != nil {
				log.Error().Err(err).Str("command_id", cmd.ID).Msg("re-enqueue for resume failed")
				return
			}
			log.Warn().
				Str("command_id", cmd.ID).
				Str("serial", device.Serial).
				Int("attempts", cmd.Attempts()).
				Int("completed_units", len(res.Progress.CompletedUnits)).
				Msg("device lost, command re-enqueued for resume")
		} else {
			s.failCommand(ctx, cmd, ClassDeviceLost, res.Err)
			return
		}
	}
	s.recordCommand(ctx, cmd)
}

// failCommand reports a terminal failure exactly once, with the attempt
// count and final classification.
func (s *Scheduler) failCommand(ctx context.Context, cmd *Command, class Classification, cause error) {
	if err := cmd.fail(class, cause); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("fail transition rejected")
		return
	}
	s.discardProgress(ctx, cmd)
	s.recordCommand(ctx, cmd)
	log.Error().
		Err(cause).
		Str("command_id", cmd.ID).
		Int("attempts", cmd.Attempts()).
		Str("classification", string(class)).
		Msg("command failed")
}

func (s *Scheduler) discardProgress(ctx context.Context, cmd *Command) {
	if err := s.cfg.Progress.DeleteProgress(ctx, cmd.ID); err != nil {
		log.Warn().Err(err).Str("command_id", cmd.ID).Msg("discard resumable progress failed")
	}
}

func (s *Scheduler) recordCommand(ctx context.Context, cmd *Command) {
	rec := CommandRecord{
		CommandID:      cmd.ID,
		State:          string(cmd.State()),
		Attempts:       cmd.Attempts(),
		Classification: string(cmd.Classification()),
		Error:          errString(cmd.Err()),
		UpdatedAt:      time.Now(),
	}
	if err := s.cfg.Recorder.RecordCommand(ctx, rec); err != nil {
		log.Error().Err(err).Str("command_id", cmd.ID).Msg("command journal update failed")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
