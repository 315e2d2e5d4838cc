// Package config loads SkyGuard's configuration.
//
// Values are layered: built-in defaults, then the YAML file, then SKYGUARD_*
// environment variables. The result is validated as a whole and every problem
// is reported in one error.
//
// Durations are written as Go duration strings ("60s", "1m30s").
//
// Secrets (MQTT password, InfluxDB token) are best supplied through the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load(config.ResolvePath(*configFlag))
//	if err != nil {
//	    return err
//	}
package config
