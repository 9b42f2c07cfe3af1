// Package ingest implements the TCP server that producers stream tag frames
// into.
//
// # Connections
//
// Every accepted connection gets its own goroutine, a uuid for tracking and
// a LineBuffer. Each read appends to the buffer; complete lines are parsed
// with frame.ParseAt and reconciled with the store's Upsert, and any trailing
// partial line waits for the next read. Lines longer than Config.MaxLineBytes
// are dropped up to their terminator.
//
// Nothing that happens on one connection affects another: malformed lines
// and sequence anomalies are counted and logged (through a rate limiter) and
// the connection stays open. Read errors, peer disconnects and idle timeouts
// close only that connection and discard its partial line.
//
// # Shutdown
//
// Shutdown closes the listener, then closes every live connection. A
// handler that is in the middle of a batch finishes reconciling the lines it
// already read before it notices the closed socket, so no upsert is cut
// short. Shutdown returns once all handlers are gone or its context expires.
//
// # Observability
//
// The server updates stats.Counters for every line, event and connection,
// and optionally a set of Prometheus metrics (see NewMetrics).
package ingest
