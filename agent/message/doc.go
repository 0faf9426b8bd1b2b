/*
Package message implements the correlation protocol between the rendering
surface and the agent.

There are three message variants, distinguished by a type tag: "request"
messages expect exactly one "response" correlated by request id, and
"event" messages are fire-and-forget with zero or more listeners. The
schema is described in types.go.

A request proceeds as follows:

1. The sender generates a fresh id, records a pending entry, and transmits the request.
2. The receiver dispatches the request to the handler registered for its command, or answers with an UnknownCommand error.
3. The handler's return value or error is sent back as the single response for that id.
4. The sender resolves the pending entry, or, if its client-side timeout fired first, discards the late response.

The bus never crashes on bad input: malformed envelopes and responses
with no pending entry are logged and dropped.
*/
package message
