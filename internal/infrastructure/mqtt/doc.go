// Package mqtt connects SkyGuard to an MQTT broker.
//
// SkyGuard publishes its own state for dashboards and home-automation
// systems and accepts a small set of commands:
//
//	skyguard/system/status      retained  online/offline, LWT on crash
//	skyguard/safety/state       retained  latest safety reading
//	skyguard/scheduler/status   retained  last control plane action and outcome
//	skyguard/events/transition            every evaluation that acted
//	skyguard/command/evaluate             request an immediate evaluation
//
// The "skyguard" prefix is configurable (mqtt.topic_prefix).
//
// The client reconnects automatically and restores subscriptions after a
// reconnect. Publishing is best effort: a broker outage never blocks an
// evaluation.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mon.AddRecorder(mqtt.NewStatePublisher(client, cfg.Site.ID))
//	err = client.OnEvaluateCommand(func(ctx context.Context) error {
//	    _, err := sched.Trigger(ctx)
//	    return err
//	})
package mqtt
