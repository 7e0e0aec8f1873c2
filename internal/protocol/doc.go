// Package protocol defines the wire contract between relay and agent.
//
// Every frame is one Envelope: a correlation id, a kind tag from a closed
// set, and a kind-specific JSON payload. The kind discriminant is read once,
// at the decode boundary; past that point payloads are typed structs.
//
// Reply-bearing kinds (dispatch, the sftp operations, tunnel-open) carry a
// correlation id that the answering Response envelope echoes. Heartbeats and
// tunnel-data are fire-and-forget and carry none.
//
// Malformed input of any shape (bad JSON, unknown kind, missing correlation
// id) decodes to a *DecodeError. Callers treat it as a protocol violation
// by the peer: drop the frame or the connection, never the process.
package protocol
