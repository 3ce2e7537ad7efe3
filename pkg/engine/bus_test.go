package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func recvWithin(t *testing.T, sub *Subscription) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sub.Recv(ctx)
}

func TestBusBroadcastsToEverySubscriber(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())

	a, err := bus.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	b, err := bus.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := bus.Publish(Message{Type: MessageStart, Test: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	for _, sub := range []*Subscription{a, b} {
		for i := 0; i < 3; i++ {
			msg, err := recvWithin(t, sub)
			if err != nil {
				t.Fatalf("Recv() error = %v", err)
			}
			if want := fmt.Sprintf("t%d", i); msg.Test != want {
				t.Errorf("Recv() test = %s, want %s", msg.Test, want)
			}
			if msg.ID == "" || msg.Timestamp.IsZero() {
				t.Error("Expected Publish to fill ID and Timestamp")
			}
		}
	}

	stats := bus.Stats()
	if stats.Published != 3 || stats.Subscribers != 2 || stats.Dropped != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestBusSubscriberOnlySeesLaterMessages(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())

	if err := bus.Publish(Message{Test: "early"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	sub, _ := bus.Subscribe()
	_ = bus.Publish(Message{Test: "late"})

	msg, err := recvWithin(t, sub)
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if msg.Test != "late" {
		t.Errorf("Expected late message, got %s", msg.Test)
	}
}

func TestBusLaggedSubscriber(t *testing.T) {
	bus := NewBus(2, zerolog.Nop())
	sub, _ := bus.Subscribe()

	for i := 0; i < 5; i++ {
		if err := bus.Publish(Message{Test: fmt.Sprintf("t%d", i)}); err != nil {
			t.Fatalf("Publish() should never block or fail on a slow subscriber: %v", err)
		}
	}

	_, err := recvWithin(t, sub)
	var lagged *LaggedError
	if !errors.As(err, &lagged) {
		t.Fatalf("Expected LaggedError, got %v", err)
	}
	if lagged.Skipped != 3 {
		t.Errorf("Skipped = %d, want 3", lagged.Skipped)
	}

	for _, want := range []string{"t3", "t4"} {
		msg, err := recvWithin(t, sub)
		if err != nil {
			t.Fatalf("Recv() after lag error = %v", err)
		}
		if msg.Test != want {
			t.Errorf("Recv() = %s, want %s", msg.Test, want)
		}
	}

	if got := bus.Stats().Dropped; got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
}

func TestBusClose(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	sub, _ := bus.Subscribe()

	_ = bus.Publish(Message{Test: "buffered"})

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !bus.Closed() {
		t.Error("Expected Closed() to be true")
	}

	if err := bus.Publish(Message{Test: "after"}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish() after close error = %v, want ErrBusClosed", err)
	}
	if _, err := bus.Subscribe(); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe() after close error = %v, want ErrBusClosed", err)
	}
	if err := bus.Close(); !errors.Is(err, ErrBusClosed) {
		t.Errorf("second Close() error = %v, want ErrBusClosed", err)
	}

	msg, err := recvWithin(t, sub)
	if err != nil || msg.Test != "buffered" {
		t.Fatalf("Expected buffered message after close, got %v, %v", msg.Test, err)
	}
	if _, err := recvWithin(t, sub); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Recv() after drain error = %v, want ErrBusClosed", err)
	}
	if !IsInfrastructure(ErrBusClosed) {
		t.Error("Expected ErrBusClosed to be an infrastructure error")
	}
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	sub, _ := bus.Subscribe()
	other, _ := bus.Subscribe()

	sub.Close()
	if got := bus.Stats().Subscribers; got != 1 {
		t.Errorf("Subscribers = %d, want 1", got)
	}

	if err := bus.Publish(Message{Test: "x"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if _, err := recvWithin(t, sub); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Recv() on closed subscription error = %v, want ErrBusClosed", err)
	}
	if msg, err := recvWithin(t, other); err != nil || msg.Test != "x" {
		t.Errorf("Other subscriber should still receive, got %v, %v", msg.Test, err)
	}
}

func TestSubscriptionRecvHonorsContext(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	sub, _ := bus.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := sub.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Recv() error = %v, want DeadlineExceeded", err)
	}
}

func TestSubscriptionRecvWakesOnPublish(t *testing.T) {
	bus := NewBus(10, zerolog.Nop())
	sub, _ := bus.Subscribe()

	done := make(chan Message, 1)
	go func() {
		msg, _ := recvWithin(t, sub)
		done <- msg
	}()

	time.Sleep(10 * time.Millisecond)
	_ = bus.Publish(Message{Test: "wake"})

	select {
	case msg := <-done:
		if msg.Test != "wake" {
			t.Errorf("Recv() = %s, want wake", msg.Test)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv() did not wake up on publish")
	}
}
