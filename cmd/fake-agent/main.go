// ABOUTME: Minimal fake agent for E2E testing: connects over websocket, answers dispatches and echoes tunnels.
// ABOUTME: Usage: fake-agent [-addr localhost:8080] [-namespace ns] [-secret s | -token t]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jiascheduler/automate/internal/auth"
	"github.com/jiascheduler/automate/internal/endpoint"
	"github.com/jiascheduler/automate/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "relay http address")
	namespace := flag.String("namespace", "", "agent namespace")
	ip := flag.String("ip", "", "agent ip (default: detected local ip)")
	secret := flag.String("secret", "", "jwt secret to mint a handshake token")
	token := flag.String("token", "", "pre-minted handshake token")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *addr, *namespace, *ip, *secret, *token); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, addr, namespace, ip, secret, token string) error {
	if ip == "" {
		var resolver endpoint.Resolver
		detected, err := resolver.LocalIP()
		if err != nil {
			return fmt.Errorf("detecting local ip: %w", err)
		}
		ip = detected
	}
	if token == "" {
		if secret == "" {
			return fmt.Errorf("one of -secret or -token is required")
		}
		var err error
		token, err = auth.NewAgentToken([]byte(secret), namespace, time.Hour)
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}
	}

	wsURL := url.URL{Scheme: "ws", Host: addr, Path: "/api/agent/ws"}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}
	defer ws.Close()

	agent := &fakeAgent{ws: ws}

	hello, err := protocol.NewEnvelope(protocol.NewCorrelationID("hs"), protocol.KindHandshake, protocol.HandshakeParams{
		Namespace: namespace,
		IP:        ip,
		Token:     token,
		Version:   "fake-agent/dev",
	})
	if err != nil {
		return err
	}
	if err := agent.send(hello); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}

	reply, err := agent.recv()
	if err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	resp, err := protocol.UnmarshalPayload[protocol.Response](reply)
	if err != nil {
		return fmt.Errorf("decoding handshake reply: %w", err)
	}
	if !resp.OK() {
		return fmt.Errorf("handshake rejected: %s: %s", resp.Code, resp.Error)
	}
	key, _ := endpoint.RoutingKey(namespace, ip)
	fmt.Fprintf(os.Stderr, "connected as %s\n", key)

	go agent.heartbeat(ctx, 30*time.Second)

	for {
		env, err := agent.recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}
		if err := agent.handle(env); err != nil {
			log.Printf("handling %s: %v", env.Kind, err)
		}
	}
}

type fakeAgent struct {
	ws *websocket.Conn

	// gorilla allows one concurrent writer; heartbeat and handlers share.
	writeMu sync.Mutex
}

func (a *fakeAgent) send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.ws.WriteMessage(websocket.TextMessage, data)
}

func (a *fakeAgent) recv() (*protocol.Envelope, error) {
	_, data, err := a.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (a *fakeAgent) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		env, err := protocol.NewEnvelope(protocol.NewCorrelationID("hb"), protocol.KindHeartbeat, protocol.HeartbeatParams{
			TimestampMS: time.Now().UnixMilli(),
		})
		if err != nil {
			continue
		}
		if err := a.send(env); err != nil {
			return
		}
	}
}

func (a *fakeAgent) handle(env *protocol.Envelope) error {
	switch env.Kind {
	case protocol.KindDispatch:
		return a.handleDispatch(env)
	case protocol.KindSftpReadDir:
		return a.handleReadDir(env)
	case protocol.KindSftpUpload, protocol.KindSftpDownload, protocol.KindSftpRemove:
		return a.reply(env, &protocol.Response{Code: protocol.CodeError, Error: "sftp not supported by fake agent"})
	case protocol.KindTunnelOpen:
		log.Printf("tunnel open %s", env.ID)
		return a.reply(env, &protocol.Response{Code: protocol.CodeOK})
	case protocol.KindTunnelData:
		// Echo bytes straight back on the same session.
		return a.send(env)
	case protocol.KindTunnelClose, protocol.KindResponse:
		return nil
	default:
		log.Printf("ignoring %s", env.Kind)
		return nil
	}
}

func (a *fakeAgent) handleDispatch(env *protocol.Envelope) error {
	params, err := protocol.UnmarshalPayload[protocol.DispatchJobParams](env)
	if err != nil {
		return a.reply(env, &protocol.Response{Code: protocol.CodeError, Error: err.Error()})
	}
	if params.Action != protocol.ActionRun || params.Run == nil {
		log.Printf("job %s action %s acknowledged", params.JobID, params.Action)
		return a.reply(env, &protocol.Response{Code: protocol.CodeOK})
	}

	log.Printf("job %s: %s", params.JobID, params.Run.Command)

	ctx := context.Background()
	if params.Run.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(params.Run.TimeoutSec)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", params.Run.Command)
	out, err := cmd.CombinedOutput()
	result := map[string]any{"output": string(out)}
	if err != nil {
		result["error"] = err.Error()
	}
	data, _ := json.Marshal(result)
	return a.reply(env, &protocol.Response{Code: protocol.CodeOK, Data: data})
}

func (a *fakeAgent) handleReadDir(env *protocol.Envelope) error {
	params, err := protocol.UnmarshalPayload[protocol.SftpReadDirParams](env)
	if err != nil {
		return a.reply(env, &protocol.Response{Code: protocol.CodeError, Error: err.Error()})
	}

	entries, err := os.ReadDir(params.Path)
	if err != nil {
		return a.reply(env, &protocol.Response{Code: protocol.CodeError, Error: err.Error()})
	}

	files := make([]protocol.FileEntry, 0, len(entries))
	for _, entry := range entries {
		fe := protocol.FileEntry{Name: entry.Name(), IsDir: entry.IsDir()}
		if info, err := entry.Info(); err == nil {
			fe.Size = info.Size()
			fe.Mode = info.Mode().String()
			fe.ModTime = info.ModTime()
		}
		files = append(files, fe)
	}

	data, err := json.Marshal(files)
	if err != nil {
		return a.reply(env, &protocol.Response{Code: protocol.CodeError, Error: err.Error()})
	}
	return a.reply(env, &protocol.Response{Code: protocol.CodeOK, Data: data})
}

func (a *fakeAgent) reply(env *protocol.Envelope, resp *protocol.Response) error {
	out, err := protocol.NewEnvelope(env.ID, protocol.KindResponse, resp)
	if err != nil {
		return err
	}
	return a.send(out)
}
