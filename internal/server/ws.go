// ABOUTME: Websocket endpoints: agent attachment with first-frame handshake,
// ABOUTME: and the client end of tunnel sessions bridged over a websocket.

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/endpoint"
	"github.com/jiascheduler/automate/internal/protocol"
	"github.com/jiascheduler/automate/internal/tunnel"
)

// handshakeTimeout bounds how long a freshly upgraded socket may sit silent
// before sending its handshake frame.
const handshakeTimeout = 10 * time.Second

// wsTransport adapts a websocket connection to the framed transport the
// relay core reads and writes.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// handleAgentWS handles GET /api/agent/ws: upgrades the connection, requires
// an authenticated handshake as the first frame, registers the connection in
// the hub, and runs its pumps until it dies.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("agent upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn, replyID, err := s.acceptHandshake(ws)
	if err != nil {
		s.logger.Warn("agent handshake rejected", "error", err, "remote", r.RemoteAddr)
		writeHandshakeReply(ws, replyID, &protocol.Response{
			Code:  protocol.CodeError,
			Error: err.Error(),
		})
		ws.Close()
		return
	}

	writeHandshakeReply(ws, replyID, &protocol.Response{Code: protocol.CodeOK})

	s.hub.Register(conn)
	conn.Run(s.tunnels)
}

// acceptHandshake reads and validates the first frame. It returns the built
// connection and the handshake correlation id for the reply envelope.
func (s *Server) acceptHandshake(ws *websocket.Conn) (*comet.Conn, string, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, "", err
	}
	ws.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		return nil, "", err
	}
	if env.Kind != protocol.KindHandshake {
		return nil, env.ID, &protocol.DecodeError{Reason: "first frame must be a handshake"}
	}

	params, err := protocol.UnmarshalPayload[protocol.HandshakeParams](env)
	if err != nil {
		return nil, env.ID, err
	}

	subject, err := s.verifier.Verify(params.Token)
	if err != nil {
		return nil, env.ID, err
	}
	// The token subject names the tenant namespace; "-" carries the empty one.
	namespace := subject
	if namespace == "-" {
		namespace = ""
	}
	if params.Namespace != "" && params.Namespace != namespace {
		return nil, env.ID, &protocol.DecodeError{Reason: "handshake namespace does not match token"}
	}

	key, err := endpoint.RoutingKey(namespace, params.IP)
	if err != nil {
		return nil, env.ID, err
	}

	conn := comet.NewConn(comet.ConnParams{
		Key:              key,
		Namespace:        namespace,
		IP:               params.IP,
		Version:          params.Version,
		Transport:        &wsTransport{ws: ws},
		HeartbeatTimeout: s.hbTimeout,
		Logger:           s.logger,
	})
	return conn, env.ID, nil
}

// writeHandshakeReply answers the handshake frame directly on the socket:
// the connection is not registered yet, so the write pump is not running.
func writeHandshakeReply(ws *websocket.Conn, id string, resp *protocol.Response) {
	env, err := protocol.NewEnvelope(id, protocol.KindResponse, resp)
	if err != nil {
		return
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	ws.WriteMessage(websocket.TextMessage, data)
}

// handleTunnelWS handles GET /api/tunnel/ws?namespace=X&ip=Y&purpose=shell:
// opens a tunnel session toward the agent and bridges it onto the client
// websocket, bytes through verbatim in both directions.
func (s *Server) handleTunnelWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := endpoint.RoutingKey(q.Get("namespace"), q.Get("ip"))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	purpose := q.Get("purpose")
	if purpose == "" {
		purpose = "shell"
	}
	cols, _ := strconv.ParseUint(q.Get("cols"), 10, 16)
	rows, _ := strconv.ParseUint(q.Get("rows"), 10, 16)

	sess, err := s.tunnels.Open(r.Context(), key, protocol.TunnelOpenParams{
		Purpose: purpose,
		Cols:    uint16(cols),
		Rows:    uint16(rows),
	})
	if err != nil {
		s.sendJSONError(w, statusForDispatchError(err), err.Error())
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Close("client upgrade failed")
		return
	}

	s.bridgeTunnel(ws, sess)
}

// bridgeTunnel pumps bytes between the client websocket and the session
// until either side closes. The agent-to-client pump owns websocket writes.
func (s *Server) bridgeTunnel(ws *websocket.Conn, sess *tunnel.Session) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		defer cancel()
		defer ws.Close()
		for {
			chunk, err := sess.Read(ctx)
			if err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				sess.Close("client write failed")
				return
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			sess.Close("client disconnected")
			cancel()
			return
		}
		if err := sess.Write(data); err != nil {
			cancel()
			return
		}
	}
}
