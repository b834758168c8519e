package evok

import (
	"fmt"
	"strings"
)

// Action is the trailing segment of an entity topic.
type Action string

// Entity topic actions.
const (
	ActionConfig       Action = "config"
	ActionSet          Action = "set"
	ActionState        Action = "state"
	ActionAvailability Action = "availability"
)

// DefaultDiscoveryPrefix is the Home Assistant discovery root.
const DefaultDiscoveryPrefix = "homeassistant"

// CommandAddress is what a command topic resolves to.
// HassType is empty for the device-rooted scheme.
type CommandAddress struct {
	HassType   string
	DeviceName string
	DeviceKind string
	Circuit    string
}

// Scheme formats entity topics and parses command topics.
// ParseCommand must invert Topic(rec, ActionSet).
type Scheme interface {
	// Name identifies the scheme in logs and status output.
	Name() string

	// Topic returns the topic of rec for the given action.
	Topic(rec MappingRecord, action Action) string

	// ParseCommand resolves a set topic. Topics outside the grammar return
	// an error wrapping ErrTopicMismatch.
	ParseCommand(topic string) (CommandAddress, error)

	// CommandFilter is a wildcard filter covering every command topic.
	CommandFilter() string
}

// HomeAssistantScheme roots every entity topic under the discovery prefix:
//
//	{prefix}/{hass_type}/{device_name}/{dev}_{circuit}/{action}
type HomeAssistantScheme struct {
	Prefix     string
	DeviceName string
}

// Name implements Scheme.
func (HomeAssistantScheme) Name() string { return "homeassistant" }

// Topic implements Scheme.
func (s HomeAssistantScheme) Topic(rec MappingRecord, action Action) string {
	return discoveryTopic(s.Prefix, s.DeviceName, rec, action)
}

// CommandFilter implements Scheme.
func (s HomeAssistantScheme) CommandFilter() string {
	return fmt.Sprintf("%s/+/%s/+/%s", prefixOrDefault(s.Prefix), s.DeviceName, ActionSet)
}

// ParseCommand implements Scheme.
func (s HomeAssistantScheme) ParseCommand(topic string) (CommandAddress, error) {
	rest, ok := strings.CutPrefix(topic, prefixOrDefault(s.Prefix)+"/")
	if !ok {
		return CommandAddress{}, mismatch(topic, "outside discovery prefix")
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return CommandAddress{}, mismatch(topic, fmt.Sprintf("want 4 segments after prefix, got %d", len(parts)))
	}
	hassType, name, entity, action := parts[0], parts[1], parts[2], parts[3]

	if Action(action) != ActionSet {
		return CommandAddress{}, mismatch(topic, "last segment is not set")
	}
	if !isWord(hassType) {
		return CommandAddress{}, mismatch(topic, "invalid hass_type segment")
	}
	if !isWord(name) {
		return CommandAddress{}, mismatch(topic, "invalid device name segment")
	}

	// The kind is alphabetic, so the first underscore always ends it.
	kind, circuit, found := strings.Cut(entity, "_")
	if !found {
		return CommandAddress{}, mismatch(topic, "entity segment has no '_'")
	}
	if !isAlpha(kind) {
		return CommandAddress{}, mismatch(topic, "device kind must be alphabetic")
	}
	if !isCircuit(circuit) {
		return CommandAddress{}, mismatch(topic, "circuit must be digits and underscores")
	}

	return CommandAddress{
		HassType:   hassType,
		DeviceName: name,
		DeviceKind: kind,
		Circuit:    circuit,
	}, nil
}

// DeviceScheme roots state and command topics under the device name:
//
//	{device_name}/{dev}/{circuit}/{action}
//
// Discovery config still goes under DiscoveryPrefix, where Home Assistant
// looks for it. Only relay and output circuits are accepted as commands.
type DeviceScheme struct {
	DiscoveryPrefix string
	DeviceName      string
}

// Name implements Scheme.
func (DeviceScheme) Name() string { return "device" }

// Topic implements Scheme.
func (s DeviceScheme) Topic(rec MappingRecord, action Action) string {
	if action == ActionConfig {
		return discoveryTopic(s.DiscoveryPrefix, s.DeviceName, rec, action)
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.DeviceName, rec.DeviceKind, rec.Circuit, action)
}

// CommandFilter implements Scheme.
func (s DeviceScheme) CommandFilter() string {
	return fmt.Sprintf("%s/+/+/%s", s.DeviceName, ActionSet)
}

// ParseCommand implements Scheme.
func (s DeviceScheme) ParseCommand(topic string) (CommandAddress, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return CommandAddress{}, mismatch(topic, fmt.Sprintf("want 4 segments, got %d", len(parts)))
	}
	name, kind, circuit, action := parts[0], parts[1], parts[2], parts[3]

	if Action(action) != ActionSet {
		return CommandAddress{}, mismatch(topic, "last segment is not set")
	}
	if !isWord(name) {
		return CommandAddress{}, mismatch(topic, "invalid device name segment")
	}
	if kind != KindRelay && kind != KindOutput {
		return CommandAddress{}, mismatch(topic, "device kind must be relay or output")
	}
	if !isCircuit(circuit) {
		return CommandAddress{}, mismatch(topic, "circuit must be digits and underscores")
	}

	return CommandAddress{
		DeviceName: name,
		DeviceKind: kind,
		Circuit:    circuit,
	}, nil
}

// NewScheme returns the scheme registered under name.
func NewScheme(name, discoveryPrefix, deviceName string) (Scheme, error) {
	switch name {
	case "", "homeassistant":
		return HomeAssistantScheme{Prefix: discoveryPrefix, DeviceName: deviceName}, nil
	case "device":
		return DeviceScheme{DiscoveryPrefix: discoveryPrefix, DeviceName: deviceName}, nil
	default:
		return nil, fmt.Errorf("%w: unknown topic scheme %q", ErrInvalidConfig, name)
	}
}

func discoveryTopic(prefix, deviceName string, rec MappingRecord, action Action) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", prefixOrDefault(prefix), rec.HassType, deviceName, rec.Key(), action)
}

func prefixOrDefault(prefix string) string {
	if prefix == "" {
		return DefaultDiscoveryPrefix
	}
	return prefix
}

func mismatch(topic, reason string) error {
	return fmt.Errorf("%w: %q: %s", ErrTopicMismatch, topic, reason)
}

// isWord matches \w+ (ASCII letters, digits, underscore).
func isWord(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}

// isAlpha matches [a-zA-Z]+.
func isAlpha(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return false
		}
	}
	return true
}

// isCircuit matches [0-9_]+.
func isCircuit(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}
