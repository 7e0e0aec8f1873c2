// ABOUTME: Entry point for the comet relay server.
// ABOUTME: Serves agent connections and the dispatch API; small CLI for ops tasks.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/jiascheduler/automate/internal/auth"
	"github.com/jiascheduler/automate/internal/bus"
	"github.com/jiascheduler/automate/internal/comet"
	"github.com/jiascheduler/automate/internal/config"
	"github.com/jiascheduler/automate/internal/protocol"
	"github.com/jiascheduler/automate/internal/server"
	"github.com/jiascheduler/automate/internal/tunnel"
)

// version is set at build time.
var version = "dev"

const banner = `
                             _
    ___ ___  _ __ ___   ___| |_
   / __/ _ \| '_ ' _ \ / _ \ __|
  | (_| (_) | | | | | |  __/ |_
   \___\___/|_| |_| |_|\___|\__|
`

// configPath resolves the relay config file.
// Priority: COMET_CONFIG env var > XDG_CONFIG_HOME/comet/comet.yaml > ~/.config/comet/comet.yaml
func configPath() string {
	if envPath := os.Getenv("COMET_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "comet.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "comet", "comet.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: comet <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                       Start the relay server")
		fmt.Println("  health                      Check relay health")
		fmt.Println("  agents                      List connected agents")
		fmt.Println("  dispatch --ip IP --cmd CMD  Run a command on an agent")
		fmt.Println("  token --namespace NS        Mint an agent handshake token")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "dispatch":
		err = runDispatch(ctx)
	case "token":
		err = runToken()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfgPath := configPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config: %s\n", cfgPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:   %s\n", cfg.Server.HTTPAddr)
	if cfg.Bus.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Bus:    %s\n", cfg.Bus.URL)
	} else {
		color.New(color.FgYellow).Print("    ▶ ")
		fmt.Println("Bus:    disabled (standalone relay)")
	}
	fmt.Println()

	logger.Info("starting comet relay",
		"config", cfgPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	hub := comet.NewHub(logger)
	tunnels := tunnel.NewManager(hub, cfg.Tunnels.OpenTimeout, cfg.Tunnels.IdleTimeout, logger)
	hub.SetTunnelCloser(tunnels)

	var (
		b       *bus.Bus
		binding *bus.Binding
	)
	if cfg.Bus.URL != "" {
		// Unreachable broker at startup is fatal: a relay that cannot be
		// addressed by the control plane strands its agents silently.
		b, err = bus.Connect(cfg.Bus.URL, logger)
		if err != nil {
			return fmt.Errorf("connecting bus: %w", err)
		}
		binding = bus.NewBinding(b, hub, cfg.Agents.RequestTimeout, logger)
		hub.SetListener(binding)
	}

	srv := server.New(server.Params{
		Addr:             cfg.Server.HTTPAddr,
		Hub:              hub,
		Tunnels:          tunnels,
		Verifier:         auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		HeartbeatTimeout: cfg.Agents.HeartbeatTimeout,
		RequestTimeout:   cfg.Agents.RequestTimeout,
		Logger:           logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Shutdown("relay shutting down")
	tunnels.Shutdown()
	if binding != nil {
		binding.Shutdown()
	}
	if b != nil {
		b.Close()
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func apiURL(cfg *config.Config, path string) string {
	return fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cfg, "/healthz"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL(cfg, "/api/agents"), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("listing agents failed: %w", err)
	}
	defer resp.Body.Close()

	var agents []comet.AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(agents) == 0 {
		fmt.Println("no agents connected")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSTATE\tVERSION\tCONNECTED\tLAST SEEN\tPENDING")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			a.Key, a.State, a.Version,
			a.ConnectedAt.Format(time.RFC3339),
			a.LastSeen.Format(time.RFC3339),
			a.Pending,
		)
	}
	return w.Flush()
}

func runDispatch(ctx context.Context) error {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	namespace := fs.String("namespace", "", "agent namespace")
	ip := fs.String("ip", "", "agent ip (required)")
	jobID := fs.String("job-id", "", "job id (default: generated)")
	cmd := fs.String("cmd", "", "command to run (required)")
	timeoutSec := fs.Int64("timeout", 0, "command timeout in seconds")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *ip == "" || *cmd == "" {
		return fmt.Errorf("--ip and --cmd are required")
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	id := *jobID
	if id == "" {
		id = fmt.Sprintf("adhoc-%d", time.Now().UnixNano())
	}

	body, err := json.Marshal(server.DispatchRequest{
		Namespace: *namespace,
		IP:        *ip,
		Job: protocol.DispatchJobParams{
			JobID:  id,
			Action: protocol.ActionRun,
			Run:    &protocol.RunParams{Command: *cmd, TimeoutSec: *timeoutSec},
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL(cfg, "/api/dispatch"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispatch failed: status %d: %s", resp.StatusCode, out)
	}

	fmt.Println(string(out))
	return nil
}

func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	namespace := fs.String("namespace", "", "tenant namespace the agent belongs to")
	ttl := fs.Duration("ttl", 0, "token lifetime (default: no expiry)")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	token, err := auth.NewAgentToken([]byte(cfg.Auth.JWTSecret), *namespace, *ttl)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Println(token)
	return nil
}
