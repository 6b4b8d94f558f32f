// Package correlate joins browser request and response events into
// per-resource records.
//
// An Engine runs three stages keyed by the event source's correlation
// identifier:
//
//  1. Request registry: GET request-start events are held until a response
//     starts for the same identifier.
//  2. Response matcher: a response-start with a usable Content-Length header
//     consumes the registry entry and becomes a pending response.
//  3. Completion emitter: a response-complete consumes the pending response,
//     applies the host/size filter and, while the engine is active, writes a
//     Record to the Sink. When the number of records reaches the quota the
//     engine writes the ready signal once and saturates.
//
// All state lives behind one mutex, so the handlers may be called from any
// goroutine. A Dispatcher drains an event channel into the engine for
// sources that produce events asynchronously.
//
// Entries whose counterpart never arrives are dropped by Sweep once they
// are older than Options.PendingTTL. Start runs the sweep periodically.
package correlate
