/*
Package pool runs the processes behind a single backend and multiplexes JSON-RPC requests onto them.

Each process speaks newline-delimited JSON-RPC 2.0 on stdin/stdout. Stderr is logged and never parsed.

A Pool holds up to a fixed number of processes ("slots"). A slot moves through these states:

	spawning -> handshaking -> idle <-> busy
	                 \            \      /
	                  `------------> terminated

A slot is counted against the pool's cap from the moment it starts spawning, so concurrent acquisitions can't
overshoot. Requests are serialized per slot: a busy slot has exactly one request in flight.

The handshake sends initialize with each supported protocol version in turn until the backend accepts one, then
sends the initialized notification. The first successful initialize result is cached and served to clients.

Ids on the wire are a per-slot sequence, and the caller's id is restored on the way out. Anything on stdout that
doesn't complete a pending request (server notifications, late answers to timed-out requests) is published to
subscribers. Requests initiated by a backend are answered with "method not found", since there is nobody to
route them to.

When a process exits every request pending on it fails immediately, with ErrProcessExit for a clean exit and
ErrProcessCrash otherwise. A slot that had finished its handshake is replaced after a short delay, unless restart
is disabled or the pool is shutting down.
*/
package pool
