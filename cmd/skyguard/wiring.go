package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/skyguard-core/internal/actions"
	"github.com/nerrad567/skyguard-core/internal/control"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/config"
	"github.com/nerrad567/skyguard-core/internal/infrastructure/database"
	"github.com/nerrad567/skyguard-core/internal/monitor"
	"github.com/nerrad567/skyguard-core/internal/process"
	"github.com/nerrad567/skyguard-core/internal/safety"
)

// hostProcessName labels the supervised KStars process in logs and the API.
const hostProcessName = "kstars"

func safetyConfig(cfg config.SafetySourceConfig) safety.Config {
	return safety.Config{
		BaseURL:      cfg.BaseURL,
		Host:         cfg.Host,
		Port:         cfg.Port,
		DeviceType:   cfg.DeviceType,
		DeviceNumber: cfg.DeviceNumber,
		APIVersion:   cfg.APIVersion,
		ClientID:     cfg.ClientID,
		Endpoint:     cfg.Endpoint,
		Timeout:      cfg.Timeout,
		Retry:        cfg.Retry,
	}
}

func actionsConfig(cfg config.ActionsConfig) actions.Config {
	return actions.Config{
		Enabled:      cfg.Enabled,
		Timeout:      cfg.Timeout,
		Retry:        cfg.Retry,
		DefaultDelay: cfg.DefaultDelay,
		BeforeStart:  sequence(cfg.BeforeStart),
		AfterStop:    sequence(cfg.AfterStop),
	}
}

func sequence(steps []config.ActionStepConfig) actions.Sequence {
	if len(steps) == 0 {
		return nil
	}
	seq := make(actions.Sequence, 0, len(steps))
	for _, s := range steps {
		seq = append(seq, actions.Step{
			URL:        s.URL,
			Method:     s.Method,
			Headers:    s.Headers,
			DelayAfter: s.DelayAfter,
		})
	}
	return seq
}

func controlConfig(cfg config.ControlConfig) control.Config {
	return control.Config{
		Address: control.Address{
			Service:            cfg.Service,
			Path:               cfg.Path,
			Interface:          cfg.Interface,
			SchedulerInterface: cfg.SchedulerInterface,
			SchedulerPath:      cfg.SchedulerPath,
		},
		CallTimeout:          cfg.CallTimeout,
		ServiceStartAttempts: cfg.ServiceStartAttempts,
		ServicePollInterval:  cfg.ServicePollInterval,
		Workload: control.WorkloadConfig{
			Path:        cfg.Workload.Path,
			Extension:   cfg.Workload.Extension,
			LoadOnStart: cfg.Workload.LoadOnStart,
		},
	}
}

func databaseConfig(cfg config.DatabaseConfig) database.Config {
	return database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	}
}

func monitorConfig(cfg config.ControlConfig) monitor.Config {
	return monitor.Config{StopServiceOnUnsafe: cfg.StopServiceOnUnsafe}
}

func schedulerConfig(cfg config.MonitorConfig) monitor.SchedulerConfig {
	return monitor.SchedulerConfig{
		Interval:      cfg.PollInterval,
		ShutdownGrace: cfg.ShutdownGrace,
	}
}

// hostConfig describes the managed KStars process. watchdog may be nil.
func hostConfig(cfg config.HostConfig, watchdog func(ctx context.Context) error) process.Config {
	return process.Config{
		Name:             hostProcessName,
		Binary:           cfg.Binary,
		Args:             cfg.Args,
		Env:              cfg.Env,
		RestartOnFailure: cfg.RestartOnFailure,
		RestartDelay:     cfg.RestartDelay,
		GracefulTimeout:  cfg.GracefulTimeout,
		Watchdog:         watchdog,
	}
}

// busWatchdog reports whether the control service owns its bus name. It uses
// its own bus connection per check so that it never shares the control
// client's session.
func busWatchdog(bus, service string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		t := control.NewDBusTransport(bus, service)
		if err := t.Connect(ctx); err != nil {
			return err
		}
		defer t.Close() //nolint:errcheck // best effort

		owned, err := t.NameHasOwner(ctx, service)
		if err != nil {
			return err
		}
		if !owned {
			return fmt.Errorf("%s not on the %s bus", service, bus)
		}
		return nil
	}
}
