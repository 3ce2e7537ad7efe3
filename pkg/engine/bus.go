package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBusCapacity is the number of messages a subscriber may fall behind
// before it starts losing the oldest ones.
const DefaultBusCapacity = 1000

// LaggedError is returned once by Recv after the subscriber fell behind and
// messages were dropped. The subscription stays usable.
type LaggedError struct {
	Skipped uint64
}

// Error implements the error interface.
func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged behind, skipped %d messages", e.Skipped)
}

// Bus is a bounded multi-producer multi-consumer broadcast channel of Messages.
// Publishing never blocks: a subscriber that falls behind loses its oldest messages.
type Bus struct {
	mu          sync.RWMutex
	capacity    int
	closed      bool
	subscribers map[uint64]*Subscription
	nextID      uint64
	logger      zerolog.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// BusStats reports delivery counters of a bus.
type BusStats struct {
	Published   uint64
	Dropped     uint64
	Subscribers int
}

// NewBus creates a bus. capacity <= 0 selects DefaultBusCapacity.
func NewBus(capacity int, logger zerolog.Logger) *Bus {
	if capacity <= 0 {
		capacity = DefaultBusCapacity
	}
	return &Bus{
		capacity:    capacity,
		subscribers: make(map[uint64]*Subscription),
		logger:      logger.With().Str("component", "bus").Logger(),
	}
}

// Publish broadcasts msg to every current subscriber.
// It fails with ErrBusClosed once the bus has been closed.
func (b *Bus) Publish(msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers {
		if sub.push(msg) {
			b.dropped.Add(1)
		}
	}
	b.published.Add(1)

	return nil
}

// Subscribe returns an independent receiver of every message published from now on.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		bus:    b,
		buf:    make([]Message, b.capacity),
		notify: make(chan struct{}, 1),
	}
	b.subscribers[sub.id] = sub

	return sub, nil
}

// Close closes the bus and every subscription. Subscribers still receive
// the messages they had buffered, then ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.closed = true

	for id, sub := range b.subscribers {
		sub.close()
		delete(b.subscribers, id)
	}

	b.logger.Debug().
		Uint64("published", b.published.Load()).
		Uint64("dropped", b.dropped.Load()).
		Msg("Event bus closed")

	return nil
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Stats returns the current delivery counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BusStats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: len(b.subscribers),
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Subscription is one receiver of a Bus. It buffers up to the bus capacity.
type Subscription struct {
	id  uint64
	bus *Bus

	mu     sync.Mutex
	buf    []Message
	head   int
	size   int
	lagged uint64
	closed bool

	notify chan struct{}
}

// push appends msg, dropping the oldest buffered message when full.
// It reports whether a message was dropped.
func (s *Subscription) push(msg Message) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	dropped := false
	if s.size == len(s.buf) {
		s.buf[s.head] = Message{}
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.lagged++
		dropped = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = msg
	s.size++
	s.mu.Unlock()

	s.wake()
	return dropped
}

// Recv blocks until a message is available, the subscription is closed, or ctx is done.
// After messages were dropped it returns a *LaggedError once and then continues
// with the oldest retained message.
func (s *Subscription) Recv(ctx context.Context) (Message, error) {
	for {
		s.mu.Lock()
		if s.lagged > 0 {
			skipped := s.lagged
			s.lagged = 0
			s.mu.Unlock()
			return Message{}, &LaggedError{Skipped: skipped}
		}
		if s.size > 0 {
			msg := s.buf[s.head]
			s.buf[s.head] = Message{}
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Message{}, ErrBusClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from its bus. Buffered messages can still be received.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
