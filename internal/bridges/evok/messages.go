package evok

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Evok command names.
const (
	CmdSet = "set"
	CmdAll = "all"
)

// Event is one circuit state change reported by Evok.
type Event struct {
	Dev     string
	Circuit string
	Value   float64
}

// IsOn reports whether the event carries the "on" value 1.
func (e Event) IsOn() bool {
	return e.Value == 1
}

// rawEvent mirrors an element of an Evok frame. Evok sends many more keys
// (mode, glob_dev_id, pending, ...) which are ignored.
type rawEvent struct {
	Dev     flexString      `json:"dev"`
	Circuit flexString      `json:"circuit"`
	Value   json.RawMessage `json:"value"`
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// DecodeFrame decodes one websocket frame.
//
// Evok sends a JSON array of circuit objects; a bare object is accepted too.
// Elements without a value (board and firmware descriptors in the snapshot
// reply) carry no state and are skipped. A malformed frame, a non-object
// element or an element missing dev or circuit fails the whole frame.
func DecodeFrame(data []byte) ([]Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecodeFailed)
	}

	var elements []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &elements); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
		}
	case '{':
		elements = []json.RawMessage{data}
	default:
		return nil, fmt.Errorf("%w: frame is neither array nor object", ErrDecodeFailed)
	}

	events := make([]Event, 0, len(elements))
	for i, el := range elements {
		ev, ok, err := decodeElement(el)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %w", ErrDecodeFailed, i, err)
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func decodeElement(data json.RawMessage) (Event, bool, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, false, errors.New("element is not an object")
	}

	var raw rawEvent
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Event{}, false, err
	}
	if raw.Dev == "" {
		return Event{}, false, errors.New("missing dev")
	}
	if raw.Circuit == "" {
		return Event{}, false, errors.New("missing circuit")
	}
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return Event{}, false, nil
	}

	value, err := parseValue(raw.Value)
	if err != nil {
		return Event{}, false, err
	}

	return Event{
		Dev:     string(raw.Dev),
		Circuit: string(raw.Circuit),
		Value:   value,
	}, true, nil
}

// parseValue accepts a number, a numeric string or a boolean.
func parseValue(data json.RawMessage) (float64, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float64:
		return x, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported value %s", data)
	}
}

// Command is an outbound Evok websocket message.
type Command struct {
	Cmd     string `json:"cmd"`
	Dev     string `json:"dev,omitempty"`
	Circuit string `json:"circuit,omitempty"`
	Value   *int   `json:"value,omitempty"`
}

// SetCommand switches a circuit; value is 0 or 1.
func SetCommand(dev, circuit string, value int) Command {
	return Command{Cmd: CmdSet, Dev: dev, Circuit: circuit, Value: &value}
}

// SnapshotCommand asks Evok to report the state of every circuit.
func SnapshotCommand() Command {
	return Command{Cmd: CmdAll}
}

// String renders the command for logs.
func (c Command) String() string {
	if c.Value == nil {
		return c.Cmd
	}
	return fmt.Sprintf("%s %s_%s=%d", c.Cmd, c.Dev, c.Circuit, *c.Value)
}
