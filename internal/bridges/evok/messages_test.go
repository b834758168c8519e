package evok

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name string
		data string
		want []Event
	}{
		{
			name: "array of one",
			data: `[{"dev":"input","circuit":"1_01","value":1}]`,
			want: []Event{{Dev: "input", Circuit: "1_01", Value: 1}},
		},
		{
			name: "array of many keeps order",
			data: `[{"dev":"relay","circuit":"1_01","value":0},{"dev":"input","circuit":"2_03","value":1}]`,
			want: []Event{
				{Dev: "relay", Circuit: "1_01", Value: 0},
				{Dev: "input", Circuit: "2_03", Value: 1},
			},
		},
		{
			name: "bare object",
			data: `{"dev":"relay","circuit":"1_02","value":1,"mode":"Simple","glob_dev_id":1}`,
			want: []Event{{Dev: "relay", Circuit: "1_02", Value: 1}},
		},
		{
			name: "string value",
			data: `[{"dev":"input","circuit":"1_01","value":"1"}]`,
			want: []Event{{Dev: "input", Circuit: "1_01", Value: 1}},
		},
		{
			name: "bool value",
			data: `[{"dev":"input","circuit":"1_01","value":false}]`,
			want: []Event{{Dev: "input", Circuit: "1_01", Value: 0}},
		},
		{
			name: "numeric circuit",
			data: `[{"dev":"relay","circuit":3,"value":1}]`,
			want: []Event{{Dev: "relay", Circuit: "3", Value: 1}},
		},
		{
			name: "elements without value are skipped",
			data: `[{"dev":"neuron","circuit":"1","model":"L203"},{"dev":"relay","circuit":"1_01","value":1}]`,
			want: []Event{{Dev: "relay", Circuit: "1_01", Value: 1}},
		},
		{
			name: "empty array",
			data: `[]`,
			want: []Event{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeFrame([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("DecodeFrame() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDecodeFrame_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"whitespace", "  \n"},
		{"not json", "hello"},
		{"scalar", "42"},
		{"truncated", `[{"dev":"relay"`},
		{"element not object", `[1,2]`},
		{"missing dev", `[{"circuit":"1","value":1}]`},
		{"missing circuit", `[{"dev":"relay","value":1}]`},
		{"non numeric string", `[{"dev":"relay","circuit":"1","value":"on"}]`},
		{"object value", `[{"dev":"relay","circuit":"1","value":{"a":1}}]`},
		{"one bad element poisons frame", `[{"dev":"relay","circuit":"1","value":1},{"circuit":"2","value":1}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeFrame([]byte(tt.data))
			if !errors.Is(err, ErrDecodeFailed) {
				t.Errorf("DecodeFrame(%q) error = %v, want ErrDecodeFailed", tt.data, err)
			}
			if events != nil {
				t.Errorf("DecodeFrame(%q) events = %+v, want nil", tt.data, events)
			}
		})
	}
}

func TestEventIsOn(t *testing.T) {
	tests := []struct {
		value float64
		want  bool
	}{
		{1, true},
		{0, false},
		{2, false},
		{0.5, false},
	}
	for _, tt := range tests {
		if got := (Event{Value: tt.value}).IsOn(); got != tt.want {
			t.Errorf("IsOn(%v) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestCommandJSON(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "set on",
			cmd:  SetCommand("relay", "1_01", 1),
			want: `{"cmd":"set","dev":"relay","circuit":"1_01","value":1}`,
		},
		{
			name: "set off keeps zero value",
			cmd:  SetCommand("output", "2", 0),
			want: `{"cmd":"set","dev":"output","circuit":"2","value":0}`,
		},
		{
			name: "snapshot",
			cmd:  SnapshotCommand(),
			want: `{"cmd":"all"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.cmd)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("Marshal() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestCommandString(t *testing.T) {
	if got := SetCommand("relay", "1_01", 1).String(); got != "set relay_1_01=1" {
		t.Errorf("String() = %q", got)
	}
	if got := SnapshotCommand().String(); got != "all" {
		t.Errorf("String() = %q", got)
	}
}
