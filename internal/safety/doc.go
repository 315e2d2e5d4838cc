// Package safety polls the external safety signal that gates the observatory.
//
// The signal comes from an ASCOM Alpaca device (safety monitor or observing
// conditions) over HTTP:
//
//	GET {base}/{endpoint}?ClientID=<id>&ClientTransactionID=<n>
//	→ {"ErrorNumber":0,"ErrorMessage":"","Value":true}
//
// where base is http://host:port/api/v{version}/{device_type}/{device_number}.
//
// A non-zero ErrorNumber is a protocol error (ErrProtocol); an unreachable
// device or non-2xx response is a transport error (ErrTransport). Both are
// retried by the same retry.Policy and logged distinctly.
//
// The Alpaca "connected" state is established lazily: the first Read (and any
// Read after the device reports it is not connected) issues
// PUT {base}/connected with Connected=true before querying.
//
// Thread Safety: Read and Close may be called from different goroutines, but
// Read is designed for a single polling caller.
package safety
