package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Reporter consumes lifecycle messages of a run. Each reporter is driven by
// its own goroutine, so implementations need no locking of their own state.
type Reporter interface {
	OnStart(project string, meta TestMetadata) error
	OnCheck(project string, meta TestMetadata, check *Check) error
	OnHTTPCall(project string, meta TestMetadata, entry *LogEntry) error
	OnRetry(project string, meta TestMetadata, result *Test) error
	OnEnd(project string, meta TestMetadata, result *Test) error
}

// Finisher is implemented by reporters that emit a summary once the stream ends.
type Finisher interface {
	Finish() error
}

// NopReporter ignores every message. Embed it to implement only some callbacks.
type NopReporter struct{}

func (NopReporter) OnStart(string, TestMetadata) error               { return nil }
func (NopReporter) OnCheck(string, TestMetadata, *Check) error       { return nil }
func (NopReporter) OnHTTPCall(string, TestMetadata, *LogEntry) error { return nil }
func (NopReporter) OnRetry(string, TestMetadata, *Test) error        { return nil }
func (NopReporter) OnEnd(string, TestMetadata, *Test) error          { return nil }

// Drive feeds messages from sub to rep until the subscription is closed and
// drained. Lag is logged and skipped over. Reporter errors and panics are
// logged and do not stop the stream.
func Drive(ctx context.Context, sub *Subscription, rep Reporter, logger zerolog.Logger) error {
	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			var lagged *LaggedError
			if errors.As(err, &lagged) {
				logger.Warn().Uint64("skipped", lagged.Skipped).Msg("Reporter lagged behind, messages dropped")
				continue
			}
			if errors.Is(err, ErrBusClosed) {
				break
			}
			return err
		}

		if err := dispatchRecovered(rep, msg); err != nil {
			logger.Error().Err(err).Str("test", msg.Key()).Str("type", string(msg.Type)).Msg("Reporter callback failed")
		}
	}

	if f, ok := rep.(Finisher); ok {
		return finishRecovered(f)
	}
	return nil
}

func dispatchRecovered(rep Reporter, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reporter panicked: %v", p)
		}
	}()
	return Dispatch(rep, msg)
}

func finishRecovered(f Finisher) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("reporter panicked in Finish: %v", p)
		}
	}()
	return f.Finish()
}

// Dispatch routes one message to the matching reporter callback.
func Dispatch(rep Reporter, msg Message) error {
	meta := TestMetadata{Name: msg.Test, Module: msg.Module}
	switch msg.Type {
	case MessageStart:
		return rep.OnStart(msg.Project, meta)
	case MessageCheck:
		return rep.OnCheck(msg.Project, meta, msg.Check)
	case MessageHTTPLog:
		return rep.OnHTTPCall(msg.Project, meta, msg.Log)
	case MessageRetry:
		return rep.OnRetry(msg.Project, meta, msg.Result)
	case MessageEnd:
		return rep.OnEnd(msg.Project, meta, msg.Result)
	default:
		return nil
	}
}
