// Package shellexec executes shell-command workloads on a device through
// the orchestrator's transport, one unit per command, with resume support
// keyed by unit name.
package shellexec

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devicelab/fleetrunner"
)

// Unit is a single named shell command.
type Unit struct {
	Name string   `json:"name" yaml:"name"`
	Args []string `json:"args" yaml:"shell"`
}

// Workload is an ordered list of units. Unless ContinueOnFailure is set, a
// failing unit aborts the pass and leaves the rest unexecuted, which is
// what lets rerun policies resubmit only the remainder.
type Workload struct {
	Units             []Unit `json:"units" yaml:"units"`
	ContinueOnFailure bool   `json:"continueOnFailure" yaml:"continueOnFailure"`
}

// resumeBlob is what this executor stores in the opaque resume state.
type resumeBlob struct {
	Completed []string `json:"completed"`
}

// Executor implements fleetrunner.WorkloadExecutor for Workload payloads.
type Executor struct {
	transport fleetrunner.DeviceTransport
}

// New builds an Executor on the given transport.
func New(transport fleetrunner.DeviceTransport) *Executor {
	return &Executor{transport: transport}
}

// Run executes the not-yet-completed units in order. Device loss yields an
// Interrupted result carrying the completed set; a unit failure yields a
// Failed result with the unexecuted remainder.
func (e *Executor) Run(ctx context.Context, spec fleetrunner.ExecutionSpec) (fleetrunner.RunResult, error) {
	workload, ok := spec.Workload.(Workload)
	if !ok {
		return fleetrunner.RunResult{}, errors.Errorf("shellexec: unsupported workload type %T", spec.Workload)
	}
	if len(workload.Units) == 0 {
		return fleetrunner.RunResult{}, errors.New("shellexec: workload has no units")
	}

	completed := make(map[string]struct{}, len(spec.CompletedUnits))
	for _, name := range spec.CompletedUnits {
		completed[name] = struct{}{}
	}
	if len(completed) == 0 && len(spec.ResumeState) > 0 {
		var blob resumeBlob
		if err := json.Unmarshal(spec.ResumeState, &blob); err == nil {
			for _, name := range blob.Completed {
				completed[name] = struct{}{}
			}
		}
	}

	var done, failed []string
	for i, unit := range workload.Units {
		if _, ok := completed[unit.Name]; ok {
			continue
		}
		if ctx.Err() != nil {
			return interrupted(done), ctx.Err()
		}
		out, err := e.transport.ExecuteOnDevice(ctx, spec.DeviceSerial, unit.Args...)
		if err != nil {
			if fleetrunner.IsDeviceLost(err) || ctx.Err() != nil {
				return interrupted(done), err
			}
			failed = append(failed, unit.Name)
			log.Warn().
				Err(err).
				Str("serial", spec.DeviceSerial).
				Str("unit", unit.Name).
				Msg("workload unit failed")
			if !workload.ContinueOnFailure {
				return fleetrunner.RunResult{
					Outcome:        fleetrunner.OutcomeFailed,
					ResumeState:    encodeResume(done),
					CompletedUnits: done,
					FailedUnits:    failed,
					RemainingUnits: unitNames(workload.Units[i+1:]),
				}, nil
			}
			continue
		}
		if spec.Sink != nil {
			if sinkErr := spec.Sink.Log(ctx, unit.Name, []byte(out)); sinkErr != nil {
				log.Warn().Err(sinkErr).Str("unit", unit.Name).Msg("result sink rejected log")
			}
		}
		done = append(done, unit.Name)
	}

	outcome := fleetrunner.OutcomeCompleted
	if len(failed) > 0 {
		outcome = fleetrunner.OutcomeFailed
	}
	return fleetrunner.RunResult{
		Outcome:        outcome,
		ResumeState:    encodeResume(done),
		CompletedUnits: done,
		FailedUnits:    failed,
	}, nil
}

func interrupted(done []string) fleetrunner.RunResult {
	return fleetrunner.RunResult{
		Outcome:        fleetrunner.OutcomeInterrupted,
		ResumeState:    encodeResume(done),
		CompletedUnits: done,
	}
}

func encodeResume(done []string) []byte {
	blob, err := json.Marshal(resumeBlob{Completed: done})
	if err != nil {
		return nil
	}
	return blob
}

func unitNames(units []Unit) []string {
	names := make([]string, 0, len(units))
	for _, unit := range units {
		names = append(names, unit.Name)
	}
	return names
}
