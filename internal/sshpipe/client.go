// ABOUTME: SSH client over a relayed tunnel: handshake, interactive shells,
// ABOUTME: one-shot commands, and window resize.

package sshpipe

import (
	"context"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jiascheduler/automate/internal/tunnel"
)

// ClientConfig carries the credentials for the SSH handshake run through
// the tunnel. Password and PrivateKey are both optional but at least one
// must be set.
type ClientConfig struct {
	User       string
	Password   string
	PrivateKey []byte
	Timeout    time.Duration
}

// Client is an SSH connection multiplexed over one tunnel session.
type Client struct {
	ssh  *ssh.Client
	conn *NetConn
}

// Dial runs the SSH handshake over an open tunnel session. The session must
// have been opened with a shell-capable purpose; the agent end bridges it to
// the target host's SSH port.
func Dial(ctx context.Context, sess *tunnel.Session, cfg ClientConfig) (*Client, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("sshpipe: user is required")
	}

	var methods []ssh.AuthMethod
	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("sshpipe: parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("sshpipe: no auth method configured")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	sshCfg := &ssh.ClientConfig{
		User: cfg.User,
		Auth: methods,
		// The relay reaches hosts by routing key, not by network address;
		// host keys are unverifiable here and the original behaves the same.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	netConn := WrapSession(sess)
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetReadDeadline(deadline)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, sess.Key, sshCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("sshpipe: handshake with %s: %w", sess.Key, err)
	}
	netConn.SetReadDeadline(time.Time{})

	return &Client{
		ssh:  ssh.NewClient(conn, chans, reqs),
		conn: netConn,
	}, nil
}

// Run executes one command and returns its combined output.
func (c *Client) Run(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshpipe: opening session: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- result{out, err}
	}()

	select {
	case res := <-done:
		return res.out, res.err
	case <-ctx.Done():
		sess.Close()
		return nil, ctx.Err()
	}
}

// ShellOptions configures an interactive shell.
type ShellOptions struct {
	Term   string
	Cols   int
	Rows   int
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Shell is one live interactive shell with a PTY attached.
type Shell struct {
	sess *ssh.Session
}

// Shell requests a PTY and starts the remote login shell. Returned handle
// resizes and waits; closing the client tears the shell down.
func (c *Client) Shell(opts ShellOptions) (*Shell, error) {
	sess, err := c.ssh.NewSession()
	if err != nil {
		return nil, fmt.Errorf("sshpipe: opening session: %w", err)
	}

	term := opts.Term
	if term == "" {
		term = "xterm-256color"
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshpipe: requesting pty: %w", err)
	}

	sess.Stdin = opts.Stdin
	sess.Stdout = opts.Stdout
	sess.Stderr = opts.Stderr

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("sshpipe: starting shell: %w", err)
	}

	return &Shell{sess: sess}, nil
}

// Resize adjusts the remote PTY to a new terminal geometry.
func (s *Shell) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

// Wait blocks until the remote shell exits.
func (s *Shell) Wait() error {
	return s.sess.Wait()
}

// Close tears the shell session down.
func (s *Shell) Close() error {
	return s.sess.Close()
}

// Close ends the SSH connection and the tunnel session beneath it.
func (c *Client) Close() error {
	err := c.ssh.Close()
	c.conn.Close()
	return err
}
