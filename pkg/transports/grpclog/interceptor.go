// Package grpclog records gRPC client calls on the log of the test that made
// them. Messages are rendered as JSON; metadata is masked like HTTP headers.
package grpclog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/masking"
	"github.com/fieldtest/fieldtest/pkg/telemetry"
)

// Protocol is the LogEntry protocol of gRPC calls.
const Protocol = "grpc"

// Request methods recorded for the two call shapes.
const (
	MethodUnary  = "UNARY"
	MethodStream = "STREAM"
)

type options struct {
	masker *masking.Masker
}

// Option configures the interceptors.
type Option func(*options)

// WithMasker fixes the masker instead of taking it from the call context.
func WithMasker(m *masking.Masker) Option {
	return func(o *options) {
		o.masker = m
	}
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) capture(ctx context.Context, entry engine.LogEntry) {
	m := o.masker
	if m == nil {
		m = masking.FromContext(ctx)
	}
	engine.CaptureLog(ctx, m.Entry(entry))
	telemetry.RecordCall(ctx, Protocol)
}

// Dial creates a client connection with both interceptors installed.
// Connections are plaintext unless opts supply transport credentials.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	defaults := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(StreamClientInterceptor()),
	}
	return grpc.NewClient(target, append(defaults, opts...)...)
}

// UnaryClientInterceptor captures each unary call.
func UnaryClientInterceptor(opts ...Option) grpc.UnaryClientInterceptor {
	o := newOptions(opts)
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, callOpts ...grpc.CallOption) error {
		var header metadata.MD
		entry := newEntry(ctx, MethodUnary, target(cc, method))
		entry.Request.Body = render(req)

		err := invoker(ctx, method, req, reply, cc, append(callOpts, grpc.Header(&header))...)

		entry.EndedAt = time.Now()
		entry.Response.Duration = entry.EndedAt.Sub(entry.StartedAt)
		entry.Response.Headers = map[string][]string(header)
		setStatus(&entry, err)
		if err == nil {
			entry.Response.Body = render(reply)
		}
		o.capture(ctx, entry)
		return err
	}
}

// StreamClientInterceptor captures each stream as one entry once it ends.
// Sent and received messages are logged one JSON document per line.
func StreamClientInterceptor(opts ...Option) grpc.StreamClientInterceptor {
	o := newOptions(opts)
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, callOpts ...grpc.CallOption) (grpc.ClientStream, error) {
		entry := newEntry(ctx, MethodStream, target(cc, method))

		cs, err := streamer(ctx, desc, cc, method, callOpts...)
		if err != nil {
			entry.EndedAt = time.Now()
			entry.Response.Duration = entry.EndedAt.Sub(entry.StartedAt)
			setStatus(&entry, err)
			o.capture(ctx, entry)
			return nil, err
		}

		return &recordingStream{ClientStream: cs, ctx: ctx, opts: o, entry: entry}, nil
	}
}

type recordingStream struct {
	grpc.ClientStream

	ctx  context.Context
	opts *options

	mu       sync.Mutex
	entry    engine.LogEntry
	sent     []string
	received []string
	done     bool
}

func (s *recordingStream) SendMsg(m any) error {
	s.mu.Lock()
	s.sent = append(s.sent, render(m))
	s.mu.Unlock()

	err := s.ClientStream.SendMsg(m)
	if err != nil && !errors.Is(err, io.EOF) {
		s.finish(err)
	}
	return err
}

func (s *recordingStream) RecvMsg(m any) error {
	err := s.ClientStream.RecvMsg(m)
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.finish(nil)
		} else {
			s.finish(err)
		}
		return err
	}

	s.mu.Lock()
	s.received = append(s.received, render(m))
	s.mu.Unlock()
	return nil
}

func (s *recordingStream) finish(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true

	entry := s.entry
	entry.EndedAt = time.Now()
	entry.Response.Duration = entry.EndedAt.Sub(entry.StartedAt)
	entry.Request.Body = strings.Join(s.sent, "\n")
	entry.Response.Body = strings.Join(s.received, "\n")
	s.mu.Unlock()

	if md, mdErr := s.ClientStream.Header(); mdErr == nil {
		entry.Response.Headers = map[string][]string(md)
	}
	setStatus(&entry, err)
	s.opts.capture(s.ctx, entry)
}

func newEntry(ctx context.Context, kind, url string) engine.LogEntry {
	entry := engine.LogEntry{
		Protocol: Protocol,
		Request: engine.LogRequest{
			Method: kind,
			URL:    url,
		},
		StartedAt: time.Now(),
	}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		entry.Request.Headers = map[string][]string(md.Copy())
	}
	return entry
}

func target(cc *grpc.ClientConn, method string) string {
	if cc == nil {
		return method
	}
	return cc.Target() + method
}

// setStatus stores the gRPC status code in Response.Status.
func setStatus(entry *engine.LogEntry, err error) {
	st := status.Convert(err)
	entry.Response.Status = int(st.Code())
	entry.Response.StatusText = st.Code().String()
	if err != nil {
		entry.Error = st.Message()
	}
}

func render(m any) string {
	if m == nil {
		return ""
	}
	if pm, ok := m.(proto.Message); ok {
		data, err := protojson.Marshal(pm)
		if err == nil {
			return string(data)
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}
