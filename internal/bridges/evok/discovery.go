package evok

import "encoding/json"

// Device block constants for discovery payloads.
const (
	deviceManufacturer = "Unipi"
	deviceModel        = "Evok"
)

// DiscoveryConfig is the retained Home Assistant discovery payload for one circuit.
type DiscoveryConfig struct {
	Name             string              `json:"name"`
	UniqueID         string              `json:"unique_id"`
	CommandTopic     string              `json:"command_topic"`
	StateTopic       string              `json:"state_topic"`
	Availability     []AvailabilityTopic `json:"availability,omitempty"`
	AvailabilityMode string              `json:"availability_mode,omitempty"`
	PayloadOn        string              `json:"payload_on"`
	PayloadOff       string              `json:"payload_off"`
	PayloadAvailable string              `json:"payload_available,omitempty"`
	PayloadNotAvail  string              `json:"payload_not_available,omitempty"`
	Device           DiscoveryDevice     `json:"device"`
}

// AvailabilityTopic is one entry of the discovery availability list.
type AvailabilityTopic struct {
	Topic string `json:"topic"`
}

// DiscoveryDevice groups every circuit of one controller under a single device.
type DiscoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// discoveryPayload builds the discovery JSON for rec.
//
// The entity is available only while both the circuit availability topic and
// the bridge status topic say online.
func (b *Bridge) discoveryPayload(rec MappingRecord) ([]byte, error) {
	s := b.settings

	availability := []AvailabilityTopic{{Topic: b.scheme.Topic(rec, ActionAvailability)}}
	if s.StatusTopic != "" {
		availability = append(availability, AvailabilityTopic{Topic: s.StatusTopic})
	}

	cfg := DiscoveryConfig{
		Name:             rec.Name,
		UniqueID:         s.DeviceName + "_" + rec.Key(),
		CommandTopic:     b.scheme.Topic(rec, ActionSet),
		StateTopic:       b.scheme.Topic(rec, ActionState),
		Availability:     availability,
		AvailabilityMode: "all",
		PayloadOn:        s.PayloadOn,
		PayloadOff:       s.PayloadOff,
		PayloadAvailable: s.PayloadOnline,
		PayloadNotAvail:  s.PayloadOffline,
		Device: DiscoveryDevice{
			Identifiers:  []string{"evok2mqtt_" + s.DeviceName},
			Name:         s.DeviceName,
			Manufacturer: deviceManufacturer,
			Model:        deviceModel,
			SWVersion:    b.version,
		},
	}
	return json.Marshal(cfg)
}
