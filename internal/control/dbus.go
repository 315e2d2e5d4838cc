package control

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Bus names accepted by NewDBusTransport.
const (
	BusSession = "session"
	BusSystem  = "system"
)

const (
	methodNameHasOwner = "org.freedesktop.DBus.NameHasOwner"
	methodIntrospect   = "org.freedesktop.DBus.Introspectable.Introspect"
	methodPropertyGet  = "org.freedesktop.DBus.Properties.Get"
)

var _ Transport = (*DBusTransport)(nil)

// DBusTransport is a Transport over a private D-Bus connection to one
// service.
type DBusTransport struct {
	bus     string
	service string
	conn    *dbus.Conn
}

// NewDBusTransport creates a transport addressing service on the session or
// system bus. An empty bus means the session bus.
func NewDBusTransport(bus, service string) *DBusTransport {
	if bus == "" {
		bus = BusSession
	}
	return &DBusTransport{bus: bus, service: service}
}

// DBusFactory returns a TransportFactory producing DBusTransports.
func DBusFactory(bus, service string) TransportFactory {
	return func() Transport {
		return NewDBusTransport(bus, service)
	}
}

// Connect opens a private bus connection.
func (t *DBusTransport) Connect(ctx context.Context) error {
	var (
		conn *dbus.Conn
		err  error
	)
	switch t.bus {
	case BusSession:
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	case BusSystem:
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	default:
		return fmt.Errorf("unknown bus %q", t.bus)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s bus: %w", t.bus, err)
	}
	t.conn = conn
	return nil
}

// Close closes the bus connection.
func (t *DBusTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// NameHasOwner asks the bus daemon whether name is currently owned.
func (t *DBusTransport) NameHasOwner(ctx context.Context, name string) (bool, error) {
	if t.conn == nil {
		return false, ErrNotConnected
	}
	var owned bool
	if err := t.conn.BusObject().CallWithContext(ctx, methodNameHasOwner, 0, name).Store(&owned); err != nil {
		return false, wrapBusError(err)
	}
	return owned, nil
}

// Introspect lists the interfaces exported at path.
func (t *DBusTransport) Introspect(ctx context.Context, path string) ([]InterfaceInfo, error) {
	obj, err := t.object(path)
	if err != nil {
		return nil, err
	}

	var data string
	if err := obj.CallWithContext(ctx, methodIntrospect, 0).Store(&data); err != nil {
		return nil, wrapBusError(err)
	}

	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("parsing introspection of %s: %w", path, err)
	}

	out := make([]InterfaceInfo, 0, len(node.Interfaces))
	for _, iface := range node.Interfaces {
		info := InterfaceInfo{Name: iface.Name}
		for _, m := range iface.Methods {
			info.Methods = append(info.Methods, m.Name)
		}
		for _, p := range iface.Properties {
			info.Properties = append(info.Properties, p.Name)
		}
		out = append(out, info)
	}
	return out, nil
}

// Call invokes iface.member on the object at path.
func (t *DBusTransport) Call(ctx context.Context, path, iface, member string, args ...any) ([]any, error) {
	obj, err := t.object(path)
	if err != nil {
		return nil, err
	}
	call := obj.CallWithContext(ctx, iface+"."+member, 0, args...)
	if call.Err != nil {
		return nil, wrapBusError(call.Err)
	}
	return call.Body, nil
}

// GetProperty reads iface.property through org.freedesktop.DBus.Properties.
func (t *DBusTransport) GetProperty(ctx context.Context, path, iface, property string) (any, error) {
	obj, err := t.object(path)
	if err != nil {
		return nil, err
	}
	var v dbus.Variant
	if err := obj.CallWithContext(ctx, methodPropertyGet, 0, iface, property).Store(&v); err != nil {
		return nil, wrapBusError(err)
	}
	return v.Value(), nil
}

func (t *DBusTransport) object(path string) (dbus.BusObject, error) {
	if t.conn == nil {
		return nil, ErrNotConnected
	}
	p := dbus.ObjectPath(path)
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid object path %q", path)
	}
	return t.conn.Object(t.service, p), nil
}

// wrapBusError marks a closed connection as ErrConnection. Remote errors
// (unknown method, service unknown) pass through unchanged.
func wrapBusError(err error) error {
	if errors.Is(err, dbus.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	return err
}
