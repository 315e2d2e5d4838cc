package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"
)

const (
	testPath      = DefaultPath
	testSchedPath = DefaultPath + "/Scheduler"
)

type recordedCall struct {
	Path   string
	Iface  string
	Member string
	Args   []any
}

type fakeMethod func(args []any) ([]any, error)

type fakeIface struct {
	methods map[string]fakeMethod
	props   map[string]func() (any, error)
}

// fakeBus is an in-memory control plane shared by every transport the
// factory hands out.
type fakeBus struct {
	connectErr error
	down       bool
	owned      bool

	objects map[string]map[string]*fakeIface

	calls    []recordedCall
	connects int
	closes   int

	schedStatus int32
	ekosStatus  int32
	loaded      []string

	// serviceUpAfter is how many status checks after a service start request
	// Ekos needs to report Success. Negative means never.
	serviceUpAfter int
	pending        int
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		owned:   true,
		objects: make(map[string]map[string]*fakeIface),
	}
}

func (b *fakeBus) iface(path, name string) *fakeIface {
	if b.objects[path] == nil {
		b.objects[path] = make(map[string]*fakeIface)
	}
	fi, ok := b.objects[path][name]
	if !ok {
		fi = &fakeIface{methods: make(map[string]fakeMethod), props: make(map[string]func() (any, error))}
		b.objects[path][name] = fi
	}
	return fi
}

func (b *fakeBus) method(path, iface, member string, fn fakeMethod) {
	b.iface(path, iface).methods[member] = fn
}

func (b *fakeBus) prop(path, iface, name string, fn func() (any, error)) {
	b.iface(path, iface).props[name] = fn
}

func (b *fakeBus) removeMethod(path, iface, member string) {
	if fi, ok := b.objects[path][iface]; ok {
		delete(fi.methods, member)
	}
}

// commands returns the recorded calls to the given members.
func (b *fakeBus) callsTo(members ...string) []recordedCall {
	var out []recordedCall
	for _, c := range b.calls {
		for _, m := range members {
			if c.Member == m {
				out = append(out, c)
			}
		}
	}
	return out
}

func (b *fakeBus) factory() TransportFactory {
	return func() Transport { return &fakeTransport{bus: b} }
}

// installEkosMain exports the main Ekos object with service control methods.
func (b *fakeBus) installEkosMain() {
	b.method(testPath, DefaultInterface, "getEkosStatus", func([]any) ([]any, error) {
		if b.pending > 0 {
			b.pending--
			if b.pending == 0 {
				b.ekosStatus = ekosStatusSuccess
			}
		}
		return []any{b.ekosStatus}, nil
	})
	b.method(testPath, DefaultInterface, "start", func([]any) ([]any, error) {
		switch {
		case b.serviceUpAfter == 0:
			b.ekosStatus = ekosStatusSuccess
		case b.serviceUpAfter > 0:
			b.pending = b.serviceUpAfter
		}
		return nil, nil
	})
	b.method(testPath, DefaultInterface, "stop", func([]any) ([]any, error) {
		b.ekosStatus = 0
		return nil, nil
	})
}

// installModernScheduler exports a Scheduler object with direct methods.
func (b *fakeBus) installModernScheduler() {
	b.method(testSchedPath, DefaultSchedulerInterface, "getStatus", func([]any) ([]any, error) {
		return []any{b.schedStatus}, nil
	})
	b.method(testSchedPath, DefaultSchedulerInterface, "start", func([]any) ([]any, error) {
		b.schedStatus = int32(StatusRunning)
		return nil, nil
	})
	b.method(testSchedPath, DefaultSchedulerInterface, "stop", func([]any) ([]any, error) {
		b.schedStatus = int32(StatusIdle)
		return nil, nil
	})
	b.method(testSchedPath, DefaultSchedulerInterface, "loadScheduler", func(args []any) ([]any, error) {
		b.loaded = append(b.loaded, fmt.Sprint(args...))
		return []any{true}, nil
	})
	b.prop(testSchedPath, DefaultSchedulerInterface, "jsonJobs", func() (any, error) {
		return fmt.Sprintf(`[{"file":%q}]`, b.loaded), nil
	})
}

// installLegacyScheduler exports only the prefixed wrappers on the main object.
func (b *fakeBus) installLegacyScheduler() {
	b.method(testPath, DefaultInterface, "schedulerGetStatus", func([]any) ([]any, error) {
		return []any{b.schedStatus}, nil
	})
	b.method(testPath, DefaultInterface, "schedulerStart", func([]any) ([]any, error) {
		b.schedStatus = int32(StatusRunning)
		return []any{true}, nil
	})
	b.method(testPath, DefaultInterface, "schedulerStop", func([]any) ([]any, error) {
		b.schedStatus = int32(StatusIdle)
		return []any{true}, nil
	})
}

// newModernBus returns a running Ekos with a direct Scheduler object.
func newModernBus() *fakeBus {
	b := newFakeBus()
	b.ekosStatus = ekosStatusSuccess
	b.installEkosMain()
	b.installModernScheduler()
	return b
}

type fakeTransport struct {
	bus       *fakeBus
	connected bool
}

var errBusGone = errors.New("bus gone")

func (t *fakeTransport) Connect(context.Context) error {
	t.bus.connects++
	if t.bus.connectErr != nil {
		return t.bus.connectErr
	}
	t.connected = true
	return nil
}

func (t *fakeTransport) Close() error {
	t.bus.closes++
	t.connected = false
	return nil
}

func (t *fakeTransport) check() error {
	if !t.connected {
		return ErrNotConnected
	}
	if t.bus.down {
		return errBusGone
	}
	return nil
}

func (t *fakeTransport) NameHasOwner(context.Context, string) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return t.bus.owned, nil
}

func (t *fakeTransport) Introspect(_ context.Context, path string) ([]InterfaceInfo, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	if !t.bus.owned {
		return nil, errors.New("service unknown")
	}
	obj, ok := t.bus.objects[path]
	if !ok {
		return nil, fmt.Errorf("no object at %s", path)
	}
	out := make([]InterfaceInfo, 0, len(obj))
	for name, fi := range obj {
		info := InterfaceInfo{Name: name}
		for m := range fi.methods {
			info.Methods = append(info.Methods, m)
		}
		for p := range fi.props {
			info.Properties = append(info.Properties, p)
		}
		sort.Strings(info.Methods)
		sort.Strings(info.Properties)
		out = append(out, info)
	}
	return out, nil
}

func (t *fakeTransport) Call(_ context.Context, path, iface, member string, args ...any) ([]any, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	t.bus.calls = append(t.bus.calls, recordedCall{Path: path, Iface: iface, Member: member, Args: args})
	fi, ok := t.bus.objects[path][iface]
	if !ok || !t.bus.owned {
		return nil, fmt.Errorf("unknown object %s %s", path, iface)
	}
	fn, ok := fi.methods[member]
	if !ok {
		return nil, fmt.Errorf("unknown method %s.%s", iface, member)
	}
	return fn(args)
}

func (t *fakeTransport) GetProperty(_ context.Context, path, iface, property string) (any, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	fi, ok := t.bus.objects[path][iface]
	if !ok || !t.bus.owned {
		return nil, fmt.Errorf("unknown object %s %s", path, iface)
	}
	fn, ok := fi.props[property]
	if !ok {
		return nil, fmt.Errorf("unknown property %s.%s", iface, property)
	}
	return fn()
}

// fakeLauncher brings the bus name up when started.
type fakeLauncher struct {
	bus     *fakeBus
	running bool
	starts  int
	err     error
}

func (l *fakeLauncher) Start(context.Context) error {
	l.starts++
	if l.err != nil {
		return l.err
	}
	l.running = true
	l.bus.owned = true
	return nil
}

func (l *fakeLauncher) IsRunning() bool { return l.running }

func (l *fakeLauncher) Stop() error {
	l.running = false
	l.bus.owned = false
	return nil
}

type logEntry struct {
	level string
	msg   string
}

type recordingLogger struct {
	entries []logEntry
}

func (l *recordingLogger) add(level, msg string) {
	l.entries = append(l.entries, logEntry{level: level, msg: msg})
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *recordingLogger) count(level, msg string) int {
	n := 0
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			n++
		}
	}
	return n
}

func newTestClient(t *testing.T, bus *fakeBus, mutate ...func(*Config)) (*Client, *recordingLogger) {
	t.Helper()
	cfg := Config{
		CallTimeout:          time.Second,
		ServiceStartAttempts: 5,
		ServicePollInterval:  time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewClient(cfg, bus.factory())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	log := &recordingLogger{}
	c.SetLogger(log)
	return c, log
}
