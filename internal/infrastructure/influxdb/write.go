package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCircuit = "evok_circuit"
	MeasurementCommand = "evok_command"
)

// CircuitPoint is one observed circuit state.
type CircuitPoint struct {
	Device  string // bridge device name
	Kind    string // Evok dev, e.g. "relay"
	Circuit string
	Name    string // entity name from the mapping
	Value   float64
	Time    time.Time
}

// CommandPoint is one command sent to Evok.
type CommandPoint struct {
	Device   string
	Kind     string
	Circuit  string
	Value    int
	Success  bool
	Duration time.Duration
	Time     time.Time
}

// WriteCircuitState records a circuit state change. Non-blocking.
//
//	evok_circuit,device=unipi,dev=relay,circuit=1_01,name=Kitchen value=1
func (c *Client) WriteCircuitState(p CircuitPoint) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementCircuit,
		map[string]string{
			"device":  p.Device,
			"dev":     p.Kind,
			"circuit": p.Circuit,
			"name":    p.Name,
		},
		map[string]interface{}{
			"value": p.Value,
		},
		timestampOrNow(p.Time),
	))
}

// WriteCommand records the outcome of a command. Non-blocking.
func (c *Client) WriteCommand(p CommandPoint) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementCommand,
		map[string]string{
			"device":  p.Device,
			"dev":     p.Kind,
			"circuit": p.Circuit,
		},
		map[string]interface{}{
			"value":       int64(p.Value),
			"success":     p.Success,
			"duration_ms": p.Duration.Milliseconds(),
		},
		timestampOrNow(p.Time),
	))
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
