// Package api serves SkyGuard's HTTP status API.
//
// Routes (JSON unless noted):
//
//	GET  /api/v1/health            component health, 503 when degraded
//	GET  /api/v1/status            monitor snapshot, scheduler and host stats
//	GET  /api/v1/transitions       journal page (limit, offset, action, outcome)
//	GET  /api/v1/transitions/{id}  one journal entry
//	POST /api/v1/evaluate          run an evaluation now (409 while one runs)
//	GET  /api/v1/ws                websocket event stream
//
// Websocket clients send {"type":"subscribe","payload":{"channels":[...]}}
// for the "safety.reading" and "evaluation" channels. Register the Hub with
// the monitor so it receives events.
//
// With api.auth.jwt_secret set, /evaluate and /ws require an HS256 bearer
// token (IssueToken). Read routes stay open, so bind the API to localhost or
// a trusted network.
//
//	server, err := api.New(deps)
//	mon.AddRecorder(server.Hub())
//	if err := server.Start(ctx); err != nil { ... }
//	defer server.Close()
package api
