// Package process supervises the KStars host process when SkyGuard manages
// it.
//
// A Manager starts the binary in its own process group, logs its output at
// debug level, restarts it with exponential backoff when it exits
// unexpectedly and stops the whole group with SIGTERM, then SIGKILL after a
// grace period. An optional watchdog kills a host that stops answering.
//
// Manager satisfies control.HostLauncher, so the control client can launch
// the host when the Ekos service is missing:
//
//	host := process.NewManager(process.Config{
//	    Name:             "kstars",
//	    Binary:           "/usr/bin/kstars",
//	    RestartOnFailure: true,
//	})
//	client.SetHostLauncher(host)
//	defer host.Stop()
package process
