// Package tunnel relays opaque byte streams between clients and agents.
//
// A Session is one LinkPair: the client end lives in this process, the agent
// end behind a routing key. The relay forwards chunks in order and never
// inspects them. Buffering is bounded per session: a slow client end stalls
// forwarding instead of growing memory. Closing either end closes the
// other. Sessions also die with their agent connection and at the idle
// deadline.
package tunnel
