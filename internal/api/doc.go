// Package api implements the HTTP REST API and WebSocket server of the
// tuyalocal core.
//
// This package provides:
//   - REST endpoints to list devices, read live status and history, write
//     datapoints and request a reconnect
//   - Diagnostics dumps with secrets masked
//   - A WebSocket hub pushing status ("device.{id}") and notifications
//     ("events") to presentation clients
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Optional HS256 JWT check on write routes
//
// # Architecture
//
// The server reads the session registry directly. Writes go through
// Session.SetValues, so a disconnected device answers 409 Conflict rather
// than queueing. Status broadcasts from the EventBridge are relayed to
// WebSocket subscribers as they happen.
//
// # Security
//
// When security.jwt.secret is set, PUT and POST routes require a bearer
// token signed with it (and carrying the configured issuer, if any). Read
// routes and the WebSocket stay open for local presentation clients.
package api
