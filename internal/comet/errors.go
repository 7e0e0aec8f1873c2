// ABOUTME: Error taxonomy for the relay: unreachable, timeout, closed, protocol.
// ABOUTME: Callers distinguish "never delivered" from "delivered but no answer" via errors.Is.

package comet

import "errors"

// ErrUnreachable indicates no live connection exists for a routing key. The
// request was never delivered; the relay does not retry.
var ErrUnreachable = errors.New("comet: target unreachable")

// ErrTimeout indicates a request was delivered but no response arrived
// before its deadline.
var ErrTimeout = errors.New("comet: request timed out")

// ErrClosed indicates the agent connection died while a request was in
// flight, or a send was attempted on a closed connection.
var ErrClosed = errors.New("comet: connection closed")

// ErrProtocol indicates the peer violated the wire contract. The offending
// message is dropped and the connection may be closed; the relay never
// crashes on peer input.
var ErrProtocol = errors.New("comet: protocol violation")
