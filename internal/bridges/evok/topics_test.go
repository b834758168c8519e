package evok

import (
	"errors"
	"testing"
)

func TestHomeAssistantSchemeTopic(t *testing.T) {
	s := HomeAssistantScheme{Prefix: "homeassistant", DeviceName: "unipi"}
	rec := MappingRecord{Name: "Kitchen", HassType: "light", DeviceKind: "relay", Circuit: "1_01"}

	tests := []struct {
		action Action
		want   string
	}{
		{ActionConfig, "homeassistant/light/unipi/relay_1_01/config"},
		{ActionSet, "homeassistant/light/unipi/relay_1_01/set"},
		{ActionState, "homeassistant/light/unipi/relay_1_01/state"},
		{ActionAvailability, "homeassistant/light/unipi/relay_1_01/availability"},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			if got := s.Topic(rec, tt.action); got != tt.want {
				t.Errorf("Topic() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHomeAssistantSchemeDefaultPrefix(t *testing.T) {
	s := HomeAssistantScheme{DeviceName: "unipi"}
	rec := MappingRecord{HassType: "switch", DeviceKind: "output", Circuit: "2"}

	if got := s.Topic(rec, ActionSet); got != "homeassistant/switch/unipi/output_2/set" {
		t.Errorf("Topic() = %q", got)
	}
	if got := s.CommandFilter(); got != "homeassistant/+/unipi/+/set" {
		t.Errorf("CommandFilter() = %q", got)
	}
}

func TestHomeAssistantSchemeParseCommand(t *testing.T) {
	s := HomeAssistantScheme{Prefix: "homeassistant", DeviceName: "unipi"}

	tests := []struct {
		name    string
		topic   string
		want    CommandAddress
		wantErr bool
	}{
		{
			name:  "relay",
			topic: "homeassistant/light/unipi/relay_1_01/set",
			want:  CommandAddress{HassType: "light", DeviceName: "unipi", DeviceKind: "relay", Circuit: "1_01"},
		},
		{
			name:  "other device name still parses",
			topic: "homeassistant/switch/other/output_3/set",
			want:  CommandAddress{HassType: "switch", DeviceName: "other", DeviceKind: "output", Circuit: "3"},
		},
		{name: "state action", topic: "homeassistant/light/unipi/relay_1_01/state", wantErr: true},
		{name: "wrong prefix", topic: "other/light/unipi/relay_1_01/set", wantErr: true},
		{name: "too few segments", topic: "homeassistant/light/relay_1_01/set", wantErr: true},
		{name: "too many segments", topic: "homeassistant/light/unipi/x/relay_1_01/set", wantErr: true},
		{name: "no underscore", topic: "homeassistant/light/unipi/relay/set", wantErr: true},
		{name: "numeric kind", topic: "homeassistant/light/unipi/r2_1/set", wantErr: true},
		{name: "letters in circuit", topic: "homeassistant/light/unipi/relay_1a/set", wantErr: true},
		{name: "empty circuit", topic: "homeassistant/light/unipi/relay_/set", wantErr: true},
		{name: "dash in name", topic: "homeassistant/light/uni-pi/relay_1/set", wantErr: true},
		{name: "birth topic", topic: "homeassistant/start", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ParseCommand(tt.topic)
			if tt.wantErr {
				if !errors.Is(err, ErrTopicMismatch) {
					t.Errorf("ParseCommand(%q) error = %v, want ErrTopicMismatch", tt.topic, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommand(%q) error = %v", tt.topic, err)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestDeviceSchemeTopic(t *testing.T) {
	s := DeviceScheme{DiscoveryPrefix: "homeassistant", DeviceName: "unipi"}
	rec := MappingRecord{HassType: "switch", DeviceKind: "relay", Circuit: "2_01"}

	tests := []struct {
		action Action
		want   string
	}{
		{ActionConfig, "homeassistant/switch/unipi/relay_2_01/config"},
		{ActionSet, "unipi/relay/2_01/set"},
		{ActionState, "unipi/relay/2_01/state"},
		{ActionAvailability, "unipi/relay/2_01/availability"},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			if got := s.Topic(rec, tt.action); got != tt.want {
				t.Errorf("Topic() = %q, want %q", got, tt.want)
			}
		})
	}

	if got := s.CommandFilter(); got != "unipi/+/+/set" {
		t.Errorf("CommandFilter() = %q", got)
	}
}

func TestDeviceSchemeParseCommand(t *testing.T) {
	s := DeviceScheme{DeviceName: "unipi"}

	got, err := s.ParseCommand("unipi/output/1_02/set")
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}
	want := CommandAddress{DeviceName: "unipi", DeviceKind: "output", Circuit: "1_02"}
	if got != want {
		t.Errorf("ParseCommand() = %+v, want %+v", got, want)
	}

	for _, topic := range []string{
		"unipi/input/1_02/set",
		"unipi/relay/1_02/state",
		"unipi/relay/1x/set",
		"unipi/relay/set",
		"a/unipi/relay/1/set",
	} {
		if _, err := s.ParseCommand(topic); !errors.Is(err, ErrTopicMismatch) {
			t.Errorf("ParseCommand(%q) error = %v, want ErrTopicMismatch", topic, err)
		}
	}
}

// Parsing the set topic of any valid record yields the record's fields back.
func TestSchemeRoundTrip(t *testing.T) {
	records := []MappingRecord{
		{Name: "a", HassType: "light", DeviceKind: "relay", Circuit: "1_01"},
		{Name: "b", HassType: "switch", DeviceKind: "output", Circuit: "2"},
		{Name: "c", HassType: "binary_sensor", DeviceKind: "di", Circuit: "3_04_5"},
		{Name: "d", HassType: "light", DeviceKind: "DO", Circuit: "_1"},
	}
	schemes := []Scheme{
		HomeAssistantScheme{Prefix: "homeassistant", DeviceName: "unipi_1"},
		HomeAssistantScheme{Prefix: "ha/discovery", DeviceName: "box"},
		DeviceScheme{DeviceName: "unipi_1"},
	}

	for _, s := range schemes {
		for _, rec := range records {
			_, isDevice := s.(DeviceScheme)
			if isDevice && !rec.IsOutput() {
				continue
			}

			topic := s.Topic(rec, ActionSet)
			addr, err := s.ParseCommand(topic)
			if err != nil {
				t.Errorf("%s: ParseCommand(%q) error = %v", s.Name(), topic, err)
				continue
			}
			if addr.DeviceKind != rec.DeviceKind || addr.Circuit != rec.Circuit {
				t.Errorf("%s: round trip %q = %+v, want %s/%s", s.Name(), topic, addr, rec.DeviceKind, rec.Circuit)
			}
			if !isDevice && addr.HassType != rec.HassType {
				t.Errorf("%s: hass_type = %q, want %q", s.Name(), addr.HassType, rec.HassType)
			}
		}
	}
}

func TestNewScheme(t *testing.T) {
	tests := []struct {
		name     string
		wantName string
		wantErr  bool
	}{
		{"", "homeassistant", false},
		{"homeassistant", "homeassistant", false},
		{"device", "device", false},
		{"regex", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScheme(tt.name, "homeassistant", "unipi")
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("NewScheme(%q) error = %v, want ErrInvalidConfig", tt.name, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewScheme(%q) error = %v", tt.name, err)
			}
			if s.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", s.Name(), tt.wantName)
			}
		})
	}
}
