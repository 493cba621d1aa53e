package fleetrunner

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SelectionCriteria describes which devices a command may run on. It is pure
// data: immutable once submitted and compared against many device snapshots.
type SelectionCriteria struct {
	// Serials, when non-empty, restricts matching to exactly these serials.
	Serials []string
	// ExcludeSerials always lose, even when listed in Serials.
	ExcludeSerials []string
	// ProductTypes match when the device's product-type property equals any
	// entry (OR). The board property is consulted only when the product-type
	// property is absent, never when it is present but mismatched.
	ProductTypes []string
	// Properties must all equal the device's corresponding property (AND).
	Properties map[string]string
	// MinSdkLevel, when > 0, requires the device to report at least this SDK
	// level. A device with an unreadable level never matches.
	MinSdkLevel int
	// ConnectionKinds, when non-empty, restricts the device's connection kind.
	ConnectionKinds []ConnectionKind
	// MinBattery, when non-nil, requires a battery reading of at least this
	// percentage. A device without a reading never matches.
	MinBattery *int
}

// Validate rejects criteria that can never be satisfied. A validation error
// is a setup error for the submitting command: fatal, no retry.
func (c SelectionCriteria) Validate() error {
	if c.MinSdkLevel < 0 {
		return errors.Errorf("selection criteria: negative min sdk level %d", c.MinSdkLevel)
	}
	if c.MinBattery != nil && (*c.MinBattery < 0 || *c.MinBattery > 100) {
		return errors.Errorf("selection criteria: battery level %d out of range", *c.MinBattery)
	}
	excluded := make(map[string]struct{}, len(c.ExcludeSerials))
	for _, serial := range c.ExcludeSerials {
		excluded[strings.TrimSpace(serial)] = struct{}{}
	}
	for _, serial := range c.Serials {
		if _, ok := excluded[strings.TrimSpace(serial)]; ok {
			return errors.Errorf("selection criteria: serial %s both included and excluded", serial)
		}
	}
	for _, kind := range c.ConnectionKinds {
		switch kind {
		case ConnPhysical, ConnEmulator, ConnNetwork, ConnNull:
		default:
			return errors.Errorf("selection criteria: unknown connection kind %q", kind)
		}
	}
	return nil
}

// Matches reports whether the device satisfies the criteria. It is pure and
// deterministic: no side effects, identical results absent device change.
// Predicates short-circuit in order; all are conjunctive except the
// product-type set, which is OR-matched internally.
func Matches(dev DeviceSnapshot, c SelectionCriteria) bool {
	serial := strings.TrimSpace(dev.Serial)
	for _, excluded := range c.ExcludeSerials {
		if strings.TrimSpace(excluded) == serial {
			return false
		}
	}
	if len(c.Serials) > 0 && !containsSerial(c.Serials, serial) {
		return false
	}
	if len(c.ProductTypes) > 0 && !matchesProductType(dev, c.ProductTypes) {
		return false
	}
	for key, want := range c.Properties {
		if dev.Property(key) != want {
			return false
		}
	}
	if c.MinSdkLevel > 0 {
		level, err := strconv.Atoi(strings.TrimSpace(dev.Property(PropSdkLevel)))
		if err != nil || level < c.MinSdkLevel {
			return false
		}
	}
	if len(c.ConnectionKinds) > 0 && !containsKind(c.ConnectionKinds, dev.Kind) {
		return false
	}
	if c.MinBattery != nil {
		if dev.Battery < 0 || dev.Battery < *c.MinBattery {
			return false
		}
	}
	return true
}

// matchesProductType applies the asymmetric product-type/board rule: the
// board property is a fallback for devices that do not report a product
// type at all. A reported-but-different product type is a mismatch even
// when the board would have matched.
func matchesProductType(dev DeviceSnapshot, productTypes []string) bool {
	reported := strings.TrimSpace(dev.Property(PropProductType))
	if reported == "" {
		reported = strings.TrimSpace(dev.Property(PropBoard))
	}
	if reported == "" {
		return false
	}
	for _, want := range productTypes {
		if strings.EqualFold(reported, strings.TrimSpace(want)) {
			return true
		}
	}
	return false
}

func containsSerial(serials []string, serial string) bool {
	for _, s := range serials {
		if strings.TrimSpace(s) == serial {
			return true
		}
	}
	return false
}

func containsKind(kinds []ConnectionKind, kind ConnectionKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
