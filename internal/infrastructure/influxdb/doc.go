// Package influxdb writes SkyGuard telemetry to InfluxDB v2.
//
// Three measurements are written, all tagged with the site ID:
//
//	safety_reading  is_safe (bool), safe (0/1)
//	evaluation      tags action, outcome; fields applied, duration_ms, error
//	action_run      tags sequence; fields total, completed, ok, duration_ms
//
// Writes are non-blocking and batched (batch_size, flush_interval). Write
// errors arrive asynchronously through the SetOnError callback.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	mon.AddRecorder(client)
package influxdb
