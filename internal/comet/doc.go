// Package comet is the relay core: the live registry of agent connections
// and the request/response machinery on top of them.
//
// # Overview
//
// Agents dial the relay, handshake, and stay attached over a single framed
// connection. The Hub maps each routing key (see the endpoint package) to at
// most one live Conn; every dispatch, SFTP operation, and tunnel open is
// resolved against that map at call time. There is no reachability cache:
// if the map has no entry, the agent is unreachable, immediately.
//
// # Connection lifecycle
//
//	Connecting → Authenticated → Active → Closing → Closed
//
// A connection authenticates by handshake (performed by the server package),
// is registered in the hub, and turns Active on its first post-handshake
// frame. A heartbeat watchdog closes connections that go silent past the
// configured deadline. Registration keeps exactly one connection per routing
// key: a newer handshake for the same key sends the old connection a
// superseded notice and drops it.
//
// # Pending requests
//
// Reply-bearing envelopes park in a per-connection pending table keyed by
// correlation id. Each slot resolves exactly once: with the agent's
// response, with ErrTimeout at its deadline, or with ErrClosed when the
// connection dies. Disconnect fails all pending slots promptly; nothing
// waits out its individual deadline on a dead connection. Late or duplicate
// responses are logged and discarded.
//
// # Error taxonomy
//
// Callers branch with errors.Is:
//
//   - ErrUnreachable: no live connection for the routing key
//   - ErrTimeout: delivered, but no response within the deadline
//   - ErrClosed: the connection died while the request was in flight
//   - ErrProtocol: the peer violated the wire contract
//
// # Usage
//
//	hub := comet.NewHub(logger)
//	hub.SetTunnelCloser(tunnels)
//
//	resp, err := hub.Request(ctx, key, env, 30*time.Second)
//	if errors.Is(err, comet.ErrUnreachable) {
//	    // agent offline
//	}
package comet
