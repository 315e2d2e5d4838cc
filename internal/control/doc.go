// Package control drives the remote automation control plane: the KStars
// Ekos scheduler, reached over D-Bus.
//
// Deployed Ekos builds disagree on how the scheduler is exposed. Newer builds
// export a Scheduler object with getStatus/start/stop methods, older ones
// proxy scheduler calls through wrapper methods on the main Ekos interface
// (schedulerStart, ...), and some only publish the status as a property. The
// Client therefore negotiates capabilities once per connection:
//
//	logical operation → Strategy{Kind, Path, Interface, Member}
//
// For every operation the known candidate strategies are tried in a fixed
// priority order and the first one that works is cached in the session's
// Capabilities table. A candidate works when introspection shows the member;
// query operations must additionally answer one trial call. Commands are never
// trial-invoked.
//
// Session lifecycle:
//
//	Disconnected → Connecting → Connected → Disconnected
//
// Connect on a connected client disconnects first, so every connection
// resolves capabilities from scratch. An operation that cannot be resolved is
// logged as a *CapabilityError and behaves as a no-op (commands) or reports
// StatusUnknown (queries); it never fails Connect.
//
// Thread Safety: Client is not safe for concurrent use. The monitor's single
// evaluation path is its only caller.
package control
