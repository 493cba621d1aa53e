// Package adb bridges the orchestrator's device capabilities onto adb via
// gadb: enumeration, shell execution, property reads, and health probes.
package adb

import (
	"context"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"

	"github.com/devicelab/fleetrunner"
)

// getprop keys backing the orchestrator's canonical property names.
var propertyKeys = map[string]string{
	fleetrunner.PropProductType: "ro.product.device",
	fleetrunner.PropBoard:       "ro.product.board",
	fleetrunner.PropSdkLevel:    "ro.build.version.sdk",
}

// Provider implements fleetrunner.DeviceProvider and
// fleetrunner.DeviceTransport using gadb.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client")
	}
	return New(client), nil
}

// ListDevices returns all connected device serials from adb.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	return p.client.DeviceSerialList()
}

// ExecuteOnDevice runs a shell command on the device. A device that adb no
// longer lists is reported as lost.
func (p *Provider) ExecuteOnDevice(ctx context.Context, serial string, args ...string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("adb: empty shell command")
	}
	dev, err := p.device(serial)
	if err != nil {
		return "", err
	}
	out, err := dev.RunShellCommand(args[0], args[1:]...)
	if err != nil {
		return "", errors.Wrapf(fleetrunner.ErrDeviceLost, "shell on %s: %v", serial, err)
	}
	return out, nil
}

// ReadProperty maps a canonical property key onto the device. Absent
// properties return "" with a nil error; the battery key is answered from
// dumpsys.
func (p *Provider) ReadProperty(ctx context.Context, serial, key string) (string, error) {
	if key == fleetrunner.PropBattery {
		return p.readBatteryLevel(ctx, serial)
	}
	propKey, ok := propertyKeys[key]
	if !ok {
		propKey = key
	}
	out, err := p.ExecuteOnDevice(ctx, serial, "getprop", propKey)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (p *Provider) readBatteryLevel(ctx context.Context, serial string) (string, error) {
	out, err := p.ExecuteOnDevice(ctx, serial, "dumpsys", "battery")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if value, found := strings.CutPrefix(line, "level:"); found {
			return strings.TrimSpace(value), nil
		}
	}
	return "", nil
}

// ProbeHealth reports whether the device answers a trivial shell roundtrip.
func (p *Provider) ProbeHealth(ctx context.Context, serial string) bool {
	out, err := p.ExecuteOnDevice(ctx, serial, "echo", "ping")
	return err == nil && strings.TrimSpace(out) == "ping"
}

func (p *Provider) device(serial string) (*gadb.Device, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Wrapf(fleetrunner.ErrDeviceLost, "device %s not listed by adb", serial)
}
