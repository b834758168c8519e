// Package config handles loading and validating evok2mqtt configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (EVOK2MQTT_*)
//   - Validation of required fields
//   - Default value handling
//
// The circuit mapping table lives in its own file (evok.mappings) and is
// loaded by the evok bridge package, not here.
//
// Security Considerations:
//   - The MQTT password and InfluxDB token should be set via environment variables
//   - MQTTConfig implements fmt.Stringer with the password redacted
//
// Usage:
//
//	cfg, err := config.Load("/etc/evok2mqtt/settings.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
