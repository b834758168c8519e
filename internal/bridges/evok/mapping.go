package evok

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Device kinds that accept set commands.
const (
	KindRelay  = "relay"
	KindOutput = "output"
)

// MappingRecord ties one Evok circuit to its MQTT entity.
// (DeviceKind, Circuit) is the natural key.
type MappingRecord struct {
	Name       string
	HassType   string
	DeviceKind string
	Circuit    string
}

// IsOutput reports whether the circuit can be switched by a command.
func (r MappingRecord) IsOutput() bool {
	return r.DeviceKind == KindRelay || r.DeviceKind == KindOutput
}

// Key returns the "{dev}_{circuit}" form used in entity topics and IDs.
func (r MappingRecord) Key() string {
	return r.DeviceKind + "_" + r.Circuit
}

// UnmarshalYAML accepts both field spellings found in mapping files:
// hass_name|name, hass_type|hass_topic_suffix, unipi_dev|dev and
// unipi_circuit|circuit.
func (r *MappingRecord) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		HassName        string `yaml:"hass_name"`
		Name            string `yaml:"name"`
		HassType        string `yaml:"hass_type"`
		HassTopicSuffix string `yaml:"hass_topic_suffix"`
		UnipiDev        string `yaml:"unipi_dev"`
		Dev             string `yaml:"dev"`
		UnipiCircuit    string `yaml:"unipi_circuit"`
		Circuit         string `yaml:"circuit"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*r = MappingRecord{
		Name:       firstNonEmpty(raw.HassName, raw.Name),
		HassType:   firstNonEmpty(raw.HassType, raw.HassTopicSuffix),
		DeviceKind: firstNonEmpty(raw.UnipiDev, raw.Dev),
		Circuit:    firstNonEmpty(raw.UnipiCircuit, raw.Circuit),
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type circuitKey struct {
	kind    string
	circuit string
}

// Table is the immutable set of mapping records loaded at startup.
type Table struct {
	records []MappingRecord
	index   map[circuitKey]int
}

// LoadTable reads a YAML mapping file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading mapping file: %w", ErrInvalidConfig, err)
	}
	return ParseTable(data)
}

// ParseTable decodes a YAML sequence of mapping records and validates it.
func ParseTable(data []byte) (*Table, error) {
	var records []MappingRecord
	if err := yaml.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parsing mapping file: %w", ErrInvalidConfig, err)
	}
	return NewTable(records)
}

// NewTable validates records and builds the lookup index.
//
// Every record needs all four fields, the device kind must be alphabetic and
// the circuit must be digits and underscores. Duplicate keys are rejected.
// All problems are reported together.
func NewTable(records []MappingRecord) (*Table, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: mapping table is empty", ErrInvalidConfig)
	}

	t := &Table{
		records: make([]MappingRecord, 0, len(records)),
		index:   make(map[circuitKey]int, len(records)),
	}

	var errs []string
	for i, rec := range records {
		if problems := validateRecord(rec); len(problems) > 0 {
			errs = append(errs, fmt.Sprintf("entry %d: %s", i, strings.Join(problems, ", ")))
			continue
		}

		key := circuitKey{kind: rec.DeviceKind, circuit: rec.Circuit}
		if prev, exists := t.index[key]; exists {
			errs = append(errs, fmt.Sprintf("entry %d: duplicate circuit %s (first defined by %q)",
				i, rec.Key(), t.records[prev].Name))
			continue
		}

		t.index[key] = len(t.records)
		t.records = append(t.records, rec)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return t, nil
}

func validateRecord(rec MappingRecord) []string {
	var problems []string
	if rec.Name == "" {
		problems = append(problems, "hass_name is required")
	}
	switch {
	case rec.HassType == "":
		problems = append(problems, "hass_type is required")
	case !isWord(rec.HassType):
		problems = append(problems, fmt.Sprintf("hass_type %q must be a single topic word", rec.HassType))
	}
	switch {
	case rec.DeviceKind == "":
		problems = append(problems, "unipi_dev is required")
	case !isAlpha(rec.DeviceKind):
		problems = append(problems, fmt.Sprintf("unipi_dev %q must be alphabetic", rec.DeviceKind))
	}
	switch {
	case rec.Circuit == "":
		problems = append(problems, "unipi_circuit is required")
	case !isCircuit(rec.Circuit):
		problems = append(problems, fmt.Sprintf("unipi_circuit %q must contain only digits and underscores", rec.Circuit))
	}
	return problems
}

// Lookup returns the record for a device kind and circuit.
func (t *Table) Lookup(kind, circuit string) (MappingRecord, bool) {
	i, ok := t.index[circuitKey{kind: kind, circuit: circuit}]
	if !ok {
		return MappingRecord{}, false
	}
	return t.records[i], true
}

// Records returns a copy of all records in load order.
func (t *Table) Records() []MappingRecord {
	out := make([]MappingRecord, len(t.records))
	copy(out, t.records)
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	return len(t.records)
}

// Outputs returns the records that accept commands.
func (t *Table) Outputs() []MappingRecord {
	var out []MappingRecord
	for _, rec := range t.records {
		if rec.IsOutput() {
			out = append(out, rec)
		}
	}
	return out
}
