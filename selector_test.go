package fleetrunner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestSelectionCriteriaValidate(t *testing.T) {
	tests := []struct {
		name     string
		criteria SelectionCriteria
		wantErr  bool
	}{
		{
			name:     "empty criteria is valid",
			criteria: SelectionCriteria{},
		},
		{
			name: "full criteria is valid",
			criteria: SelectionCriteria{
				Serials:         []string{"a"},
				ProductTypes:    []string{"hammerhead"},
				Properties:      map[string]string{"board": "msm8974"},
				MinSdkLevel:     21,
				ConnectionKinds: []ConnectionKind{ConnPhysical, ConnEmulator},
				MinBattery:      intPtr(20),
			},
		},
		{
			name:     "negative min sdk",
			criteria: SelectionCriteria{MinSdkLevel: -1},
			wantErr:  true,
		},
		{
			name:     "battery above 100",
			criteria: SelectionCriteria{MinBattery: intPtr(101)},
			wantErr:  true,
		},
		{
			name:     "negative battery",
			criteria: SelectionCriteria{MinBattery: intPtr(-5)},
			wantErr:  true,
		},
		{
			name: "serial both included and excluded",
			criteria: SelectionCriteria{
				Serials:        []string{"a", "b"},
				ExcludeSerials: []string{"b"},
			},
			wantErr: true,
		},
		{
			name:     "unknown connection kind",
			criteria: SelectionCriteria{ConnectionKinds: []ConnectionKind{"bluetooth"}},
			wantErr:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.criteria.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMatchesProductTypeFallback(t *testing.T) {
	criteria := SelectionCriteria{ProductTypes: []string{"hammerhead"}}

	tests := []struct {
		name  string
		props map[string]string
		want  bool
	}{
		{
			name:  "product type matches",
			props: map[string]string{PropProductType: "hammerhead"},
			want:  true,
		},
		{
			name:  "product type matches case insensitively",
			props: map[string]string{PropProductType: "Hammerhead"},
			want:  true,
		},
		{
			// The board never overrides a reported product type.
			name: "product type mismatch with matching board",
			props: map[string]string{
				PropProductType: "shamu",
				PropBoard:       "hammerhead",
			},
			want: false,
		},
		{
			name:  "board consulted when product type absent",
			props: map[string]string{PropBoard: "hammerhead"},
			want:  true,
		},
		{
			name:  "board consulted when product type empty",
			props: map[string]string{PropProductType: "", PropBoard: "hammerhead"},
			want:  true,
		},
		{
			name:  "neither property reported",
			props: map[string]string{},
			want:  false,
		},
		{
			name:  "board mismatch with product type absent",
			props: map[string]string{PropBoard: "shamu"},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := DeviceSnapshot{Serial: "serial-1", Properties: tt.props, Battery: -1}
			assert.Equal(t, tt.want, Matches(dev, criteria))
		})
	}
}

func TestMatchesPredicates(t *testing.T) {
	dev := DeviceSnapshot{
		Serial: "serial-1",
		Kind:   ConnPhysical,
		Properties: map[string]string{
			PropProductType: "hammerhead",
			PropSdkLevel:    "23",
			"build-flavor":  "userdebug",
		},
		Battery: 80,
	}

	tests := []struct {
		name     string
		criteria SelectionCriteria
		want     bool
	}{
		{
			name:     "empty criteria matches anything",
			criteria: SelectionCriteria{},
			want:     true,
		},
		{
			name:     "serial allowlist match",
			criteria: SelectionCriteria{Serials: []string{"serial-1", "serial-2"}},
			want:     true,
		},
		{
			name:     "serial allowlist miss",
			criteria: SelectionCriteria{Serials: []string{"serial-2"}},
			want:     false,
		},
		{
			name: "exclusion wins over inclusion",
			criteria: SelectionCriteria{
				Serials:        []string{"serial-1"},
				ExcludeSerials: []string{"serial-1"},
			},
			want: false,
		},
		{
			name: "all properties must match",
			criteria: SelectionCriteria{
				Properties: map[string]string{"build-flavor": "userdebug"},
			},
			want: true,
		},
		{
			name: "single property mismatch rejects",
			criteria: SelectionCriteria{
				Properties: map[string]string{"build-flavor": "user"},
			},
			want: false,
		},
		{
			name:     "min sdk satisfied",
			criteria: SelectionCriteria{MinSdkLevel: 21},
			want:     true,
		},
		{
			name:     "min sdk exact boundary",
			criteria: SelectionCriteria{MinSdkLevel: 23},
			want:     true,
		},
		{
			name:     "min sdk too high",
			criteria: SelectionCriteria{MinSdkLevel: 24},
			want:     false,
		},
		{
			name:     "connection kind match",
			criteria: SelectionCriteria{ConnectionKinds: []ConnectionKind{ConnPhysical, ConnEmulator}},
			want:     true,
		},
		{
			name:     "connection kind miss",
			criteria: SelectionCriteria{ConnectionKinds: []ConnectionKind{ConnEmulator}},
			want:     false,
		},
		{
			name:     "battery satisfied",
			criteria: SelectionCriteria{MinBattery: intPtr(50)},
			want:     true,
		},
		{
			name:     "battery too low",
			criteria: SelectionCriteria{MinBattery: intPtr(90)},
			want:     false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(dev, tt.criteria))
		})
	}
}

func TestMatchesUnreadableAttributes(t *testing.T) {
	dev := DeviceSnapshot{Serial: "serial-1", Properties: map[string]string{}, Battery: -1}

	assert.False(t, Matches(dev, SelectionCriteria{MinSdkLevel: 1}),
		"unreadable sdk level must never satisfy a minimum")
	assert.False(t, Matches(dev, SelectionCriteria{MinBattery: intPtr(1)}),
		"unknown battery must never satisfy a minimum")
	assert.True(t, Matches(dev, SelectionCriteria{}),
		"absent attributes only matter when the criteria ask for them")
}
