// Package tcplog records raw TCP conversations on the log of the test that
// opened them. A connection produces one log entry when it is closed.
package tcplog

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/telemetry"
)

// Protocol is the LogEntry protocol of TCP conversations.
const Protocol = "tcp"

// Request methods of TCP entries.
const (
	MethodDial = "DIAL"
	MethodConn = "CONN"
)

// DefaultMaxCapture caps how many bytes of each direction are logged.
const DefaultMaxCapture = 64 << 10

// Dialer opens recorded connections.
type Dialer struct {
	// Dialer performs the dial. The zero value is usable.
	net.Dialer

	// MaxCapture caps the logged bytes per direction. Zero uses DefaultMaxCapture.
	MaxCapture int
}

// Dial connects using a zero Dialer.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d Dialer
	return d.DialContext(ctx, network, addr)
}

// DialContext connects to addr. A failed dial is logged immediately.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	started := time.Now()
	conn, err := d.Dialer.DialContext(ctx, network, addr)
	if err != nil {
		ended := time.Now()
		engine.CaptureLog(ctx, engine.LogEntry{
			Protocol: Protocol,
			Request: engine.LogRequest{
				Method: MethodDial,
				URL:    network + "://" + addr,
			},
			Response:  engine.LogResponse{Duration: ended.Sub(started)},
			Error:     err.Error(),
			StartedAt: started,
			EndedAt:   ended,
		})
		telemetry.RecordCall(ctx, Protocol)
		return nil, err
	}

	limit := d.MaxCapture
	if limit <= 0 {
		limit = DefaultMaxCapture
	}
	return &Conn{
		Conn:    conn,
		ctx:     ctx,
		url:     network + "://" + addr,
		limit:   limit,
		started: started,
	}, nil
}

// Conn is a net.Conn that keeps what was written and read.
type Conn struct {
	net.Conn

	ctx     context.Context
	url     string
	limit   int
	started time.Time

	mu      sync.Mutex
	written bytes.Buffer
	read    bytes.Buffer
	err     error
	closed  bool
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.record(&c.written, p[:n], err)
	return n, err
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.record(&c.read, p[:n], err)
	return n, err
}

func (c *Conn) record(buf *bytes.Buffer, p []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if room := c.limit - buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		buf.Write(p)
	}
	if err != nil && c.err == nil && !errors.Is(err, io.EOF) {
		c.err = err
	}
}

// Close closes the connection and logs the conversation. Later calls only
// close the underlying connection.
func (c *Conn) Close() error {
	err := c.Conn.Close()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return err
	}
	c.closed = true

	ended := time.Now()
	entry := engine.LogEntry{
		Protocol: Protocol,
		Request: engine.LogRequest{
			Method: MethodConn,
			URL:    c.url,
			Body:   c.written.String(),
		},
		Response: engine.LogResponse{
			Body:     c.read.String(),
			Duration: ended.Sub(c.started),
		},
		StartedAt: c.started,
		EndedAt:   ended,
	}
	if c.err != nil {
		entry.Error = c.err.Error()
	}
	c.mu.Unlock()

	engine.CaptureLog(c.ctx, entry)
	telemetry.RecordCall(c.ctx, Protocol)
	return err
}
