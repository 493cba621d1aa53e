package fleetrunner

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultOfflineThreshold = 5 * time.Minute

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Provider  DeviceProvider
	Transport DeviceTransport
	Recorder  Recorder
	// IgnoredSerials are registered but never allocatable.
	IgnoredSerials []string
	// OfflineThreshold is how long a vanished device is kept before removal.
	OfflineThreshold time.Duration
}

type deviceEntry struct {
	serial   string
	state    DeviceState
	kind     ConnectionKind
	props    map[string]string
	battery  int
	lastSeen time.Time
	// owner is the command ID holding the allocation, "" otherwise.
	owner string
	// removeAfterRelease marks devices that vanished while allocated.
	removeAfterRelease bool
}

func (d *deviceEntry) snapshot() DeviceSnapshot {
	props := make(map[string]string, len(d.props))
	for k, v := range d.props {
		props[k] = v
	}
	return DeviceSnapshot{
		Serial:     d.serial,
		State:      d.state,
		Kind:       d.kind,
		Properties: props,
		Battery:    d.battery,
		LastSeen:   d.lastSeen,
	}
}

// Registry is the single source of truth for device states. One mutex
// serializes every transition, so Allocate is atomic with respect to
// concurrent Allocate/Release/MarkUnavailable calls.
type Registry struct {
	provider         DeviceProvider
	transport        DeviceTransport
	recorder         Recorder
	ignored          map[string]struct{}
	offlineThreshold time.Duration

	mu      sync.Mutex
	devices map[string]*deviceEntry
	// order preserves discovery order; Allocate tie-breaks by it.
	order []string
	// changed is closed and replaced on every state change so blocked
	// Allocate calls can re-scan.
	changed chan struct{}
}

// NewRegistry builds a registry. Provider and Transport are required;
// Recorder defaults to a no-op.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Provider == nil {
		return nil, errors.New("device provider cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("device transport cannot be nil")
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = defaultOfflineThreshold
	}
	ignored := make(map[string]struct{}, len(cfg.IgnoredSerials))
	for _, serial := range cfg.IgnoredSerials {
		serial = strings.TrimSpace(serial)
		if serial != "" {
			ignored[serial] = struct{}{}
		}
	}
	return &Registry{
		provider:         cfg.Provider,
		transport:        cfg.Transport,
		recorder:         cfg.Recorder,
		ignored:          ignored,
		offlineThreshold: cfg.OfflineThreshold,
		devices:          make(map[string]*deviceEntry),
		changed:          make(chan struct{}),
	}, nil
}

// notifyLocked wakes every waiter blocked in Allocate. Callers hold r.mu.
func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// allowedTransition encodes the device state machine. Allocation requires
// the prior state to be Available; same-state transitions are illegal.
func allowedTransition(from, to DeviceState) bool {
	if from == to {
		return false
	}
	switch to {
	case DeviceAllocated:
		return from == DeviceAvailable
	case DeviceAvailable:
		return from == DeviceAllocated || from == DeviceUnavailable
	case DeviceUnavailable:
		return true
	case DeviceIgnored:
		return from != DeviceAllocated
	default:
		return false
	}
}

// SetState transitions a device, rejecting illegal transitions with an
// InvalidTransitionError.
func (r *Registry) SetState(serial string, state DeviceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setStateLocked(serial, state)
}

func (r *Registry) setStateLocked(serial string, state DeviceState) error {
	dev, ok := r.devices[serial]
	if !ok {
		return errors.Errorf("device %s not registered", serial)
	}
	if !allowedTransition(dev.state, state) {
		return &InvalidTransitionError{Serial: serial, From: dev.state, To: state}
	}
	dev.state = state
	if state != DeviceAllocated {
		dev.owner = ""
	}
	r.notifyLocked()
	return nil
}

// Allocate claims the first Available device matching the criteria,
// atomically transitioning it to Allocated. When nothing matches it blocks
// up to timeout, re-scanning on every registry change; timeout 0 fails
// immediately and a negative timeout waits until ctx is done.
func (r *Registry) Allocate(ctx context.Context, owner string, criteria SelectionCriteria, timeout time.Duration) (DeviceSnapshot, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		r.mu.Lock()
		for _, serial := range r.order {
			dev, ok := r.devices[serial]
			if !ok || dev.state != DeviceAvailable || dev.removeAfterRelease {
				continue
			}
			if !Matches(dev.snapshot(), criteria) {
				continue
			}
			dev.state = DeviceAllocated
			dev.owner = owner
			snap := dev.snapshot()
			r.notifyLocked()
			r.mu.Unlock()
			log.Info().
				Str("serial", serial).
				Str("owner", owner).
				Msg("device allocated")
			return snap, nil
		}
		changed := r.changed
		r.mu.Unlock()

		if timeout == 0 {
			return DeviceSnapshot{}, ErrAllocationTimeout
		}
		select {
		case <-ctx.Done():
			return DeviceSnapshot{}, ctx.Err()
		case <-deadline:
			return DeviceSnapshot{}, ErrAllocationTimeout
		case <-changed:
		}
	}
}

// Release returns an Allocated device to Available. Releasing an Available
// device is a logged no-op; Unavailable and Ignored devices are left alone.
// Devices that vanished mid-allocation are dropped from the registry here.
func (r *Registry) Release(serial string) {
	r.mu.Lock()
	dev, ok := r.devices[serial]
	if !ok {
		r.mu.Unlock()
		log.Debug().Str("serial", serial).Msg("release of unknown device ignored")
		return
	}
	switch dev.state {
	case DeviceAllocated:
		if dev.removeAfterRelease {
			r.removeLocked(serial)
			r.mu.Unlock()
			log.Info().Str("serial", serial).Msg("device released and removed after disconnect")
			return
		}
		dev.state = DeviceAvailable
		dev.owner = ""
		r.notifyLocked()
		r.mu.Unlock()
		log.Info().Str("serial", serial).Msg("device released")
	case DeviceAvailable:
		r.mu.Unlock()
		log.Warn().Str("serial", serial).Msg("release of already available device is a no-op")
	default:
		r.mu.Unlock()
		log.Debug().
			Str("serial", serial).
			Str("state", string(dev.state)).
			Msg("release skipped for non-allocated device")
	}
}

// MarkUnavailable moves a device to Unavailable from any state; used when a
// device stops responding mid-invocation. The health loop may heal it.
func (r *Registry) MarkUnavailable(serial string) {
	r.mu.Lock()
	dev, ok := r.devices[serial]
	if !ok {
		r.mu.Unlock()
		return
	}
	if dev.state == DeviceUnavailable {
		r.mu.Unlock()
		return
	}
	dev.state = DeviceUnavailable
	dev.owner = ""
	r.notifyLocked()
	r.mu.Unlock()
	log.Warn().Str("serial", serial).Msg("device marked unavailable")
}

// removeLocked drops a device from the registry. Callers hold r.mu.
func (r *Registry) removeLocked(serial string) {
	delete(r.devices, serial)
	for i, s := range r.order {
		if s == serial {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.notifyLocked()
}

// Snapshot returns copies of every registered device in discovery order.
func (r *Registry) Snapshot() []DeviceSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceSnapshot, 0, len(r.order))
	for _, serial := range r.order {
		if dev, ok := r.devices[serial]; ok {
			out = append(out, dev.snapshot())
		}
	}
	return out
}

// Device returns the snapshot for one serial.
func (r *Registry) Device(serial string) (DeviceSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[serial]
	if !ok {
		return DeviceSnapshot{}, false
	}
	return dev.snapshot(), true
}

// AnyKnownMatch reports whether any registered device matches the criteria
// on attributes alone, regardless of its current state. The scheduler uses
// it to hold commands that could never be satisfied by the current fleet.
func (r *Registry) AnyKnownMatch(criteria SelectionCriteria) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dev := range r.devices {
		if Matches(dev.snapshot(), criteria) {
			return true
		}
	}
	return false
}

// Refresh reconciles the registry against the provider's enumeration.
// Attribute fetches for new serials run before the lock is taken so slow
// devices cannot stall allocation.
func (r *Registry) Refresh(ctx context.Context) error {
	serials, err := r.provider.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := time.Now()

	r.mu.Lock()
	unknown := make([]string, 0, len(serials))
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		if _, ok := r.devices[serial]; !ok {
			unknown = append(unknown, serial)
		}
	}
	r.mu.Unlock()

	fetched := make(map[string]*deviceEntry, len(unknown))
	for _, serial := range unknown {
		fetched[serial] = r.fetchAttributes(ctx, serial, now)
	}

	seen := make(map[string]struct{}, len(serials))
	var records []DeviceRecord

	r.mu.Lock()
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		if dev, ok := r.devices[serial]; ok {
			dev.lastSeen = now
			continue
		}
		dev, ok := fetched[serial]
		if !ok {
			continue
		}
		r.devices[serial] = dev
		r.order = append(r.order, serial)
		r.notifyLocked()
		records = append(records, deviceRecord(dev))
		log.Info().
			Str("serial", serial).
			Str("state", string(dev.state)).
			Str("kind", string(dev.kind)).
			Msg("device connected")
	}

	for serial, dev := range r.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		if dev.state == DeviceAllocated {
			if !dev.removeAfterRelease {
				dev.removeAfterRelease = true
				log.Warn().Str("serial", serial).Msg("device disconnected during invocation, will remove after release")
			}
			continue
		}
		if now.Sub(dev.lastSeen) < r.offlineThreshold {
			continue
		}
		r.removeLocked(serial)
		rec := deviceRecord(dev)
		rec.State = "offline"
		records = append(records, rec)
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
	r.mu.Unlock()

	for _, rec := range records {
		if err := r.recorder.UpsertDevice(ctx, rec); err != nil {
			log.Error().Err(err).Str("serial", rec.Serial).Msg("device recorder upsert failed")
		}
	}
	return nil
}

// fetchAttributes reads a new device's properties through the transport.
// Unreadable properties are left absent rather than failing discovery.
func (r *Registry) fetchAttributes(ctx context.Context, serial string, now time.Time) *deviceEntry {
	dev := &deviceEntry{
		serial:   serial,
		state:    DeviceAvailable,
		kind:     inferConnectionKind(serial),
		props:    make(map[string]string),
		battery:  -1,
		lastSeen: now,
	}
	if _, ok := r.ignored[serial]; ok {
		dev.state = DeviceIgnored
	}
	for _, key := range []string{PropProductType, PropBoard, PropSdkLevel} {
		value, err := r.transport.ReadProperty(ctx, serial, key)
		if err != nil {
			log.Debug().Err(err).Str("serial", serial).Str("property", key).Msg("read device property failed")
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			dev.props[key] = value
		}
	}
	if raw, err := r.transport.ReadProperty(ctx, serial, PropBattery); err == nil {
		if level, convErr := strconv.Atoi(strings.TrimSpace(raw)); convErr == nil {
			dev.battery = level
		}
	}
	return dev
}

// HealthLoop probes Unavailable devices at the given interval and heals
// responsive ones back to Available. Probes run without the registry lock
// so they never block allocation of other devices.
func (r *Registry) HealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeUnavailable(ctx)
		}
	}
}

func (r *Registry) probeUnavailable(ctx context.Context) {
	r.mu.Lock()
	candidates := make([]string, 0, len(r.devices))
	for serial, dev := range r.devices {
		if dev.state == DeviceUnavailable {
			candidates = append(candidates, serial)
		}
	}
	r.mu.Unlock()

	for _, serial := range candidates {
		if ctx.Err() != nil {
			return
		}
		if !r.transport.ProbeHealth(ctx, serial) {
			log.Debug().Str("serial", serial).Msg("health probe failed")
			continue
		}
		if err := r.SetState(serial, DeviceAvailable); err != nil {
			// Raced with removal or another transition; the next pass will
			// see the current state.
			log.Debug().Err(err).Str("serial", serial).Msg("heal transition rejected")
			continue
		}
		log.Info().Str("serial", serial).Msg("device healed, available again")
	}
}

func deviceRecord(dev *deviceEntry) DeviceRecord {
	props := make(map[string]string, len(dev.props))
	for k, v := range dev.props {
		props[k] = v
	}
	return DeviceRecord{
		Serial:     dev.serial,
		State:      string(dev.state),
		Kind:       string(dev.kind),
		Battery:    dev.battery,
		Properties: props,
		LastSeenAt: dev.lastSeen,
	}
}

// inferConnectionKind classifies a serial the way adb presents it:
// emulator-NNNN for local emulators, host:port for network devices,
// null: for simulated targets.
func inferConnectionKind(serial string) ConnectionKind {
	switch {
	case strings.HasPrefix(serial, "emulator-"):
		return ConnEmulator
	case strings.HasPrefix(serial, "null:"):
		return ConnNull
	case strings.Contains(serial, ":"):
		return ConnNetwork
	default:
		return ConnPhysical
	}
}
