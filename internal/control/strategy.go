package control

import (
	"context"
	"fmt"
	"slices"
)

// Kind is the calling convention of a Strategy.
type Kind int

// Strategy kinds, in no particular priority; priority is per operation.
const (
	// DirectCall invokes Interface.Member on the object at Path.
	DirectCall Kind = iota
	// PrefixedCall invokes a legacy wrapper on the main Ekos interface, e.g.
	// schedulerStart instead of Scheduler.start.
	PrefixedCall
	// PropertyIndirection reads Member through org.freedesktop.DBus.Properties.Get.
	PropertyIndirection
)

func (k Kind) String() string {
	switch k {
	case DirectCall:
		return "direct"
	case PrefixedCall:
		return "prefixed"
	case PropertyIndirection:
		return "property"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Operation is a logical control plane operation.
type Operation string

// Logical operations negotiated on connect.
const (
	OpGetStatus    Operation = "getStatus"
	OpStart        Operation = "start"
	OpStop         Operation = "stop"
	OpIsRunning    Operation = "isRunning"
	OpStartService Operation = "startService"
	OpStopService  Operation = "stopService"
	OpLoadWorkload Operation = "loadWorkload"
	OpReadWorkload Operation = "readWorkload"
)

// Operations lists every logical operation in resolution order.
var Operations = []Operation{
	OpGetStatus,
	OpStart,
	OpStop,
	OpIsRunning,
	OpStartService,
	OpStopService,
	OpLoadWorkload,
	OpReadWorkload,
}

// IsQuery reports whether op is free of side effects and may be trial-invoked
// during resolution.
func (op Operation) IsQuery() bool {
	switch op {
	case OpGetStatus, OpIsRunning, OpReadWorkload:
		return true
	default:
		return false
	}
}

// Strategy is one concrete way of performing a logical operation.
type Strategy struct {
	Kind      Kind   `json:"kind"`
	Path      string `json:"path"`
	Interface string `json:"interface"`
	Member    string `json:"member"`
}

func (s Strategy) String() string {
	return fmt.Sprintf("%s:%s %s.%s", s.Kind, s.Path, s.Interface, s.Member)
}

// Capabilities is a session's resolved table of operation strategies.
type Capabilities map[Operation]Strategy

// Legacy wrapper prefixes on the main interface.
const (
	schedulerPrefix = "scheduler"
	servicePrefix   = "service"
)

// candidates returns the strategies for every operation in priority order.
func candidates(addr Address) map[Operation][]Strategy {
	sched := func(kind Kind, member string) Strategy {
		return Strategy{Kind: kind, Path: addr.SchedulerPath, Interface: addr.SchedulerInterface, Member: member}
	}
	main := func(kind Kind, member string) Strategy {
		return Strategy{Kind: kind, Path: addr.Path, Interface: addr.Interface, Member: member}
	}

	return map[Operation][]Strategy{
		OpGetStatus: {
			sched(DirectCall, "getStatus"),
			main(PrefixedCall, schedulerPrefix+"GetStatus"),
			sched(PropertyIndirection, "status"),
		},
		OpStart: {
			sched(DirectCall, "start"),
			main(PrefixedCall, schedulerPrefix+"Start"),
		},
		OpStop: {
			sched(DirectCall, "stop"),
			main(PrefixedCall, schedulerPrefix+"Stop"),
		},
		OpIsRunning: {
			main(DirectCall, "getEkosStatus"),
			main(PropertyIndirection, "ekosStatus"),
		},
		OpStartService: {
			main(DirectCall, "start"),
			main(PrefixedCall, servicePrefix+"Start"),
		},
		OpStopService: {
			main(DirectCall, "stop"),
			main(PrefixedCall, servicePrefix+"Stop"),
		},
		OpLoadWorkload: {
			sched(DirectCall, "loadScheduler"),
			sched(DirectCall, "loadSchedule"),
			main(PrefixedCall, schedulerPrefix+"Load"),
		},
		OpReadWorkload: {
			sched(PropertyIndirection, "jsonJobs"),
			sched(DirectCall, "getJobs"),
		},
	}
}

// objectIndex holds the introspected interfaces of the addressed objects,
// keyed by path and interface name.
type objectIndex map[string]map[string]InterfaceInfo

func (idx objectIndex) has(s Strategy) bool {
	info, ok := idx[s.Path][s.Interface]
	if !ok {
		return false
	}
	if s.Kind == PropertyIndirection {
		return slices.Contains(info.Properties, s.Member)
	}
	return slices.Contains(info.Methods, s.Member)
}

// introspect builds an objectIndex for the main and scheduler objects. Objects
// that fail introspection are absent from the index.
func (c *Client) introspect(ctx context.Context) objectIndex {
	idx := make(objectIndex)
	for _, path := range []string{c.cfg.Path, c.cfg.SchedulerPath} {
		if _, done := idx[path]; done {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		ifaces, err := c.transport.Introspect(callCtx, path)
		cancel()
		if err != nil {
			c.logger.Debug("introspection failed", "path", path, "error", err)
			continue
		}
		byName := make(map[string]InterfaceInfo, len(ifaces))
		for _, iface := range ifaces {
			byName[iface.Name] = iface
		}
		idx[path] = byName
	}
	return idx
}

// resolve negotiates a fresh Capabilities table over the current transport.
// Unresolved operations are logged and left out of the table.
func (c *Client) resolve(ctx context.Context) Capabilities {
	idx := c.introspect(ctx)
	table := candidates(c.cfg.Address)
	caps := make(Capabilities, len(Operations))

	for _, op := range Operations {
		tried := table[op]
		for _, s := range tried {
			if !idx.has(s) {
				continue
			}
			if op.IsQuery() {
				if _, err := c.invoke(ctx, s); err != nil {
					c.logger.Debug("trial call failed", "operation", op, "strategy", s.String(), "error", err)
					continue
				}
			}
			caps[op] = s
			break
		}

		if s, ok := caps[op]; ok {
			c.logger.Debug("capability resolved", "operation", op, "strategy", s.String())
			continue
		}
		c.logger.Warn("capability unresolved", "error", &CapabilityError{Op: op, Tried: tried})
	}

	c.logger.Info("control plane capabilities resolved", "resolved", len(caps), "operations", len(Operations))
	return caps
}
