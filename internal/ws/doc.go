// Package ws carries terminal sessions over WebSocket connections.
//
// The package implements:
//   - Client: one connection, usable as a session.Sink, with a read pump
//     feeding input and a write pump draining queued output
//   - Handler: upgrades requests and attaches them to the shared session or
//     to a private per-connection session
//
// Frames carry raw terminal bytes in both directions. Inbound text or binary
// payloads are input. Each outbound text frame is one chunk of output,
// decoded as UTF-8 with invalid bytes replaced by U+FFFD; a multi-byte
// sequence split across chunks is held back until it completes.
package ws
