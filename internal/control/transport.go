package control

import "context"

// InterfaceInfo describes one interface exported by a remote object.
type InterfaceInfo struct {
	Name       string
	Methods    []string
	Properties []string
}

// Transport is the wire underneath a Client. DBusTransport is the production
// implementation.
//
// Call returns the reply body; GetProperty returns the property's value with
// any variant wrapping removed.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	NameHasOwner(ctx context.Context, name string) (bool, error)
	Introspect(ctx context.Context, path string) ([]InterfaceInfo, error)
	Call(ctx context.Context, path, iface, member string, args ...any) ([]any, error)
	GetProperty(ctx context.Context, path, iface, property string) (any, error)
}

// TransportFactory returns a new, unconnected Transport. The client asks for
// a fresh transport on every Connect.
type TransportFactory func() Transport

// HostLauncher starts the process that hosts the control plane (KStars) when
// it is not running. process.Manager satisfies it.
type HostLauncher interface {
	Start(ctx context.Context) error
	IsRunning() bool
	Stop() error
}
