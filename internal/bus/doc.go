// Package bus carries envelopes between processes over NATS.
//
// Routing keys are used verbatim as subjects: colon-delimited tokens are
// valid NATS subjects and the identity mapping keeps a key seen in a log
// line greppable on the broker. Each relay subscribes under exactly the keys
// it holds live connections for, so a publish reaches the one relay that can
// deliver, and nobody when the agent is offline. NATS reports the latter as
// no-responders and this package surfaces it as ErrNoResponder.
//
// Failure to reach the broker at startup is fatal. Running degraded without
// cross-relay routing would silently strand every agent on another relay.
package bus
