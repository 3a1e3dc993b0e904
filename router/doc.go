/*
Package router is the HTTP surface of the gateway.

Each ready backend is reachable on its own at /backend/:name, and all of them together at / (and its alias /mcp),
where tool names are namespaced as "{backend}__{tool}" and tools/list fans out to every backend.

POST carries JSON-RPC envelopes. GET returns a JSON status object, or an event stream of backend notifications when
the client accepts text/event-stream. /backend/:name/ws and /ws carry the same notifications over a WebSocket.
DELETE ends the session named by the Mcp-Session-Id header.

initialize is answered by the gateway from the backend's cached handshake result and starts a session. The backend
processes themselves are only ever initialized once, by their pool.
*/
package router
