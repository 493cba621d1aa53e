package fleetrunner

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// DeviceState describes where a device sits in the allocation lifecycle.
type DeviceState string

const (
	DeviceAvailable   DeviceState = "available"
	DeviceAllocated   DeviceState = "allocated"
	DeviceUnavailable DeviceState = "unavailable"
	DeviceIgnored     DeviceState = "ignored"
)

// ConnectionKind classifies how a device is reachable.
type ConnectionKind string

const (
	ConnPhysical ConnectionKind = "physical"
	ConnEmulator ConnectionKind = "emulator"
	ConnNetwork  ConnectionKind = "network"
	ConnNull     ConnectionKind = "null"
)

// Canonical device property keys. Transports map these to whatever the
// underlying platform calls them (adb maps product-type to ro.product.device).
const (
	PropProductType = "product-type"
	PropBoard       = "board"
	PropSdkLevel    = "sdk-level"
	PropBattery     = "battery"
)

// DeviceSnapshot is an immutable copy of a device's identity and attributes,
// safe to hand across goroutines.
type DeviceSnapshot struct {
	Serial     string
	State      DeviceState
	Kind       ConnectionKind
	Properties map[string]string
	// Battery is the last-read battery percentage, -1 when unknown.
	Battery  int
	LastSeen time.Time
}

// Property returns the trimmed property value, or "" when absent.
func (d DeviceSnapshot) Property(key string) string {
	if d.Properties == nil {
		return ""
	}
	return d.Properties[key]
}

// RunOutcome is the workload executor's terminal classification for one pass.
type RunOutcome string

const (
	OutcomeCompleted   RunOutcome = "completed"
	OutcomeFailed      RunOutcome = "failed"
	OutcomeInterrupted RunOutcome = "interrupted"
)

// RunResult reports one executor pass. ResumeState is an opaque blob the
// orchestrator stores and hands back verbatim; it never inspects it.
type RunResult struct {
	Outcome        RunOutcome
	ResumeState    []byte
	CompletedUnits []string
	FailedUnits    []string
	RemainingUnits []string
}

// ExecutionSpec bundles everything an executor needs for one pass on a device.
type ExecutionSpec struct {
	DeviceSerial   string
	Workload       any
	ResumeState    []byte
	CompletedUnits []string
	Sink           ResultSink
}

// WorkloadExecutor runs the opaque workload on a concrete device. The
// orchestrator only interprets the terminal outcome and the resume blob.
type WorkloadExecutor interface {
	Run(ctx context.Context, spec ExecutionSpec) (RunResult, error)
}

// DeviceProvider enumerates currently connected device serials.
type DeviceProvider interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// DeviceTransport is the communication capability for a single device. Any
// call may report device loss via an error matching ErrDeviceLost.
type DeviceTransport interface {
	ExecuteOnDevice(ctx context.Context, serial string, args ...string) (string, error)
	// ReadProperty returns "" with a nil error when the property is absent.
	ReadProperty(ctx context.Context, serial, key string) (string, error)
	ProbeHealth(ctx context.Context, serial string) bool
}

// ResultSink receives execution events for one command attempt. The
// orchestrator guarantees exactly one Started/Ended pair per attempt that
// reaches Running. Sink errors are logged, never fatal.
type ResultSink interface {
	InvocationStarted(ctx context.Context, attempt int) error
	InvocationEnded(ctx context.Context, attempt int) error
	RunFailed(ctx context.Context, reason string) error
	Log(ctx context.Context, name string, data []byte) error
}

// NoopSink is the default sink when a command is submitted without one.
type NoopSink struct{}

func (NoopSink) InvocationStarted(ctx context.Context, attempt int) error { return nil }
func (NoopSink) InvocationEnded(ctx context.Context, attempt int) error   { return nil }
func (NoopSink) RunFailed(ctx context.Context, reason string) error       { return nil }
func (NoopSink) Log(ctx context.Context, name string, data []byte) error  { return nil }

// TargetPreparer readies an allocated device before the workload starts
// (install builds, push artifacts). A failing preparer is a setup error:
// fatal for the command, never retried.
type TargetPreparer interface {
	Prepare(ctx context.Context, serial string) error
}

// DeviceRecord is a device state snapshot persisted by a Recorder.
type DeviceRecord struct {
	Serial     string
	State      string
	Kind       string
	Battery    int
	Properties map[string]string
	LastSeenAt time.Time
}

// CommandRecord is a command journal entry persisted by a Recorder.
type CommandRecord struct {
	CommandID      string
	State          string
	Attempts       int
	Classification string
	Error          string
	UpdatedAt      time.Time
}

// Recorder syncs device and command state to external storage (sqlite by
// default). Recorder failures are logged and never block scheduling.
type Recorder interface {
	UpsertDevice(ctx context.Context, rec DeviceRecord) error
	RecordCommand(ctx context.Context, rec CommandRecord) error
}

type noopRecorder struct{}

func (noopRecorder) UpsertDevice(ctx context.Context, rec DeviceRecord) error   { return nil }
func (noopRecorder) RecordCommand(ctx context.Context, rec CommandRecord) error { return nil }

// ResumableProgress snapshots the provably completed portion of a command's
// workload when a run is interrupted by device loss. The next attempt feeds
// it back to the executor so completed work is not repeated.
type ResumableProgress struct {
	CommandID      string
	Attempt        int
	ResumeState    []byte
	CompletedUnits []string
	CapturedAt     time.Time
}

// ProgressStore persists ResumableProgress across attempts. The blob is
// opaque; the store never inspects it.
type ProgressStore interface {
	SaveProgress(ctx context.Context, prog *ResumableProgress) error
	LoadProgress(ctx context.Context, commandID string) (*ResumableProgress, error)
	DeleteProgress(ctx context.Context, commandID string) error
}

type noopProgressStore struct{}

func (noopProgressStore) SaveProgress(ctx context.Context, prog *ResumableProgress) error { return nil }
func (noopProgressStore) LoadProgress(ctx context.Context, commandID string) (*ResumableProgress, error) {
	return nil, nil
}
func (noopProgressStore) DeleteProgress(ctx context.Context, commandID string) error { return nil }

// Sentinel errors shared across the orchestrator.
var (
	// ErrDeviceLost marks transport failures caused by the device vanishing
	// or ceasing to respond. Transports wrap it; the core matches it with
	// errors.Is to drive the resume path.
	ErrDeviceLost = errors.New("device lost")

	// ErrAllocationTimeout is returned by Registry.Allocate when no matching
	// device became available within the timeout.
	ErrAllocationTimeout = errors.New("allocation timed out")

	// ErrCommandNotFound is returned by queue lookups for unknown IDs.
	ErrCommandNotFound = errors.New("command not found")
)

// IsDeviceLost reports whether err is, or wraps, a device loss.
func IsDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}

// InvalidTransitionError reports an illegal device state transition. It is a
// programming error: logged and surfaced, never silently swallowed.
type InvalidTransitionError struct {
	Serial string
	From   DeviceState
	To     DeviceState
}

func (e *InvalidTransitionError) Error() string {
	return "invalid device state transition " + string(e.From) + " -> " + string(e.To) + " for " + e.Serial
}
