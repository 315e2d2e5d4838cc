// Package logging provides structured logging for SkyGuard.
//
// It wraps log/slog. Every entry carries the service name and build version,
// and components add their own "component" attribute through With.
//
// Configuration:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file:
//	    path: "/var/log/skyguard.log"
//
// Usage:
//
//	logger, err := logging.New(cfg.Logging, version)
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//	logger.With("component", "monitor").Info("evaluation complete")
//
// Never log the MQTT password or InfluxDB token.
package logging
