// ABOUTME: Envelope encoding, decoding, and correlation id generation for the bridge wire.
// ABOUTME: Every frame between relay and agent is one Envelope; malformed input never panics.

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates envelope payloads. The set is closed: a kind outside
// this list is a protocol violation, not an extension point.
type Kind string

const (
	KindHandshake    Kind = "handshake"
	KindHeartbeat    Kind = "heartbeat"
	KindDispatch     Kind = "dispatch"
	KindSftpReadDir  Kind = "sftp_read_dir"
	KindSftpUpload   Kind = "sftp_upload"
	KindSftpDownload Kind = "sftp_download"
	KindSftpRemove   Kind = "sftp_remove"
	KindTunnelOpen   Kind = "tunnel_open"
	KindTunnelData   Kind = "tunnel_data"
	KindTunnelClose  Kind = "tunnel_close"
	KindResponse     Kind = "response"
)

// knownKinds is consulted once at the decode boundary.
var knownKinds = map[Kind]bool{
	KindHandshake:    true,
	KindHeartbeat:    true,
	KindDispatch:     true,
	KindSftpReadDir:  true,
	KindSftpUpload:   true,
	KindSftpDownload: true,
	KindSftpRemove:   true,
	KindTunnelOpen:   true,
	KindTunnelData:   true,
	KindTunnelClose:  true,
	KindResponse:     true,
}

// ExpectsReply reports whether an envelope of this kind opens a pending
// request that must be correlated with a later response.
func (k Kind) ExpectsReply() bool {
	switch k {
	case KindDispatch, KindSftpReadDir, KindSftpUpload, KindSftpDownload,
		KindSftpRemove, KindTunnelOpen:
		return true
	}
	return false
}

// Envelope is the unit of transport: a correlation id, a kind tag, and a
// kind-specific payload. Tunnel-data and heartbeat envelopes carry no
// correlation id.
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeError reports a malformed envelope. Callers must treat it as a
// protocol violation: drop the message, optionally close the connection,
// never crash the relay.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NewEnvelope builds an envelope with the given correlation id and marshaled
// payload. A nil payload produces an envelope with no payload field.
func NewEnvelope(id string, kind Kind, payload any) (*Envelope, error) {
	env := &Envelope{ID: id, Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Encode renders an envelope to its wire form.
func Encode(env *Envelope) ([]byte, error) {
	if !knownKinds[env.Kind] {
		return nil, fmt.Errorf("encoding unknown kind %q", env.Kind)
	}
	return json.Marshal(env)
}

// Decode parses one wire frame. Any malformed input (bad JSON, missing or
// unknown kind, missing correlation id on a reply-bearing kind) returns a
// *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed frame", Err: err}
	}
	if env.Kind == "" {
		return nil, &DecodeError{Reason: "missing kind"}
	}
	if !knownKinds[env.Kind] {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown kind %q", env.Kind)}
	}
	if env.Kind.ExpectsReply() && env.ID == "" {
		return nil, &DecodeError{Reason: fmt.Sprintf("kind %q requires a correlation id", env.Kind)}
	}
	return &env, nil
}

// UnmarshalPayload decodes an envelope payload into T. A payload that does
// not parse is a protocol violation, reported as *DecodeError.
func UnmarshalPayload[T any](env *Envelope) (*T, error) {
	var v T
	if len(env.Payload) == 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("kind %q payload is empty", env.Kind)}
	}
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("kind %q payload", env.Kind), Err: err}
	}
	return &v, nil
}

// NewCorrelationID returns a fresh correlation id. The caller-chosen tag is
// kept as a prefix for debuggability; the UUID suffix makes collisions among
// in-flight requests from one origin negligible.
func NewCorrelationID(tag string) string {
	if tag == "" {
		tag = "req"
	}
	return tag + "-" + uuid.NewString()
}
