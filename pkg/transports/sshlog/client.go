// Package sshlog is an SSH client for tests that reach hosts over SSH. Every
// command and SFTP transfer is captured as a LogEntry of the running test,
// like the httplog, grpclog and tcplog transports do for their protocols.
package sshlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/telemetry"
)

const (
	// Protocol is the LogEntry protocol of captured SSH calls.
	Protocol = "ssh"

	// MethodExec marks a command execution.
	MethodExec = "EXEC"

	// MethodGet marks an SFTP download.
	MethodGet = "SFTP_GET"

	// MethodPut marks an SFTP upload.
	MethodPut = "SFTP_PUT"

	// DefaultMaxBodySize caps captured output.
	DefaultMaxBodySize = 64 << 10
)

// Result is the outcome of a remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Client is a connected SSH client.
type Client struct {
	cfg    *Config
	client *ssh.Client
}

// Dial connects and authenticates to the host described by cfg.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := cfg.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake has no context of its own; bound it by the dial timeout.
	if err := conn.SetDeadline(time.Now().Add(cfg.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "connect", Err: err}
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{Op: "handshake", Err: err, IsAuthError: isAuthError(err)}
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = sshConn.Close()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	log.Debug().Str("address", address).Msg("SSH connection established")
	return &Client{cfg: cfg, client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Run executes cmd and captures it. A non-zero exit status is reported in
// the Result, not as an error.
func (c *Client) Run(ctx context.Context, cmd string) (*Result, error) {
	entry := c.newEntry(MethodExec, c.cfg.Target())
	entry.Request.Body = cmd

	result, err := c.run(ctx, cmd)
	entry.EndedAt = time.Now()
	entry.Response.Duration = entry.EndedAt.Sub(entry.StartedAt)
	if err != nil {
		entry.Error = err.Error()
		capture(ctx, entry)
		return nil, err
	}
	result.Duration = entry.Response.Duration

	entry.Response.Status = result.ExitCode
	entry.Response.StatusText = "exit status " + strconv.Itoa(result.ExitCode)
	entry.Response.Body = c.truncate(result.Stdout)
	if result.Stderr != "" {
		entry.Response.Headers = map[string][]string{"stderr": {c.truncate(result.Stderr)}}
	}
	capture(ctx, entry)
	return result, nil
}

func (c *Client) run(ctx context.Context, cmd string) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CommandTimeout)
		defer cancel()
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, &TransportError{Op: "exec", Err: ctx.Err()}
	case err = <-done:
	}

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitStatus()
	default:
		return nil, &TransportError{Op: "exec", Err: err}
	}
	return result, nil
}

// ReadFile downloads a remote file over SFTP.
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	entry := c.newEntry(MethodGet, c.cfg.Target()+remoteURLPath(remotePath))

	data, err := c.readFile(remotePath)
	c.finishTransfer(ctx, &entry, err)
	if err != nil {
		return nil, err
	}
	entry.Response.Body = c.truncate(string(data))
	entry.Response.Headers = map[string][]string{"size": {strconv.Itoa(len(data))}}
	capture(ctx, entry)
	return data, nil
}

func (c *Client) readFile(remotePath string) ([]byte, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: err, IsTemporary: true}
	}
	defer client.Close()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "download", Err: err, IsTemporary: true}
	}
	return data, nil
}

// WriteFile uploads data to a remote file over SFTP, creating parent
// directories as needed.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	entry := c.newEntry(MethodPut, c.cfg.Target()+remoteURLPath(remotePath))
	entry.Request.Body = c.truncate(string(data))
	entry.Request.Headers = map[string][]string{"size": {strconv.Itoa(len(data))}}

	err := c.writeFile(remotePath, data, mode)
	c.finishTransfer(ctx, &entry, err)
	if err != nil {
		return err
	}
	capture(ctx, entry)
	return nil
}

func (c *Client) writeFile(remotePath string, data []byte, mode os.FileMode) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: err, IsTemporary: true}
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	f, err := client.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "upload", Err: err}
	}

	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			log.Warn().Err(err).Str("path", remotePath).Msg("failed to set file permissions")
		}
	}
	return nil
}

func (c *Client) newEntry(method, target string) engine.LogEntry {
	return engine.LogEntry{
		Protocol:  Protocol,
		Request:   engine.LogRequest{Method: method, URL: target},
		StartedAt: time.Now(),
	}
}

// finishTransfer completes an SFTP entry, capturing it right away on failure.
func (c *Client) finishTransfer(ctx context.Context, entry *engine.LogEntry, err error) {
	entry.EndedAt = time.Now()
	entry.Response.Duration = entry.EndedAt.Sub(entry.StartedAt)
	if err != nil {
		entry.Error = err.Error()
		capture(ctx, *entry)
		return
	}
	entry.Response.StatusText = "ok"
}

func (c *Client) truncate(s string) string {
	limit := c.cfg.MaxBodySize
	if limit <= 0 {
		limit = DefaultMaxBodySize
	}
	return engine.TruncateBody(s, limit)
}

func capture(ctx context.Context, entry engine.LogEntry) {
	engine.CaptureLog(ctx, entry)
	telemetry.RecordCall(ctx, Protocol)
}

func remoteURLPath(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return "/" + p
}

func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
