package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SerialScope selects whether serial groups are exclusive per project or across projects.
type SerialScope string

const (
	// SerialScopeProject makes a serial group exclusive among tests of the same project.
	SerialScopeProject SerialScope = "project"

	// SerialScopeGlobal makes a serial group exclusive across every project.
	SerialScopeGlobal SerialScope = "global"
)

// Validate checks if the serial scope is valid.
func (s SerialScope) Validate() error {
	switch s {
	case SerialScopeProject, SerialScopeGlobal:
		return nil
	default:
		return fmt.Errorf("invalid serial scope: %s", s)
	}
}

// lane is a FIFO mutual-exclusion queue. Tickets are issued up front and the
// lane admits exactly one holder at a time, in ticket order.
type lane struct {
	key string

	mu        sync.Mutex
	issued    int
	next      int
	waiters   map[int]chan struct{}
	forfeited map[int]bool
}

func newLane(key string) *lane {
	return &lane{
		key:       key,
		waiters:   make(map[int]chan struct{}),
		forfeited: make(map[int]bool),
	}
}

func (l *lane) enqueue() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.issued
	l.issued++
	return t
}

func (l *lane) acquire(ctx context.Context, ticket int) error {
	l.mu.Lock()
	if ticket == l.next {
		l.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	l.waiters[ticket] = ch
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.forfeit(ticket)
		return ctx.Err()
	}
}

// forfeit gives up a ticket that was never used, passing the turn on if it was already due.
func (l *lane) forfeit(ticket int) {
	l.mu.Lock()
	delete(l.waiters, ticket)
	if l.next == ticket {
		l.mu.Unlock()
		l.release()
		return
	}
	l.forfeited[ticket] = true
	l.mu.Unlock()
}

func (l *lane) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	for l.forfeited[l.next] {
		delete(l.forfeited, l.next)
		l.next++
	}
	if ch, ok := l.waiters[l.next]; ok {
		delete(l.waiters, l.next)
		close(ch)
	}
}

// Ticket is a unit's reserved position in every lane it belongs to.
type Ticket struct {
	lanes   []*lane
	numbers []int
}

// Keys returns the lane keys the ticket was issued for.
func (t *Ticket) Keys() []string {
	keys := make([]string, len(t.lanes))
	for i, l := range t.lanes {
		keys[i] = l.key
	}
	return keys
}

// Coordinator gates execution: serial-group and ordered-module lanes first,
// then the global concurrency gate.
type Coordinator struct {
	mu    sync.Mutex
	lanes map[string]*lane
	gate  *semaphore.Weighted
	scope SerialScope
}

// NewCoordinator creates a coordinator. concurrency <= 0 means unbounded.
func NewCoordinator(concurrency int, scope SerialScope) *Coordinator {
	if scope == "" {
		scope = SerialScopeProject
	}
	c := &Coordinator{
		lanes: make(map[string]*lane),
		scope: scope,
	}
	if concurrency > 0 {
		c.gate = semaphore.NewWeighted(int64(concurrency))
	}
	return c
}

// Enqueue reserves lane positions for a (project, registration) unit.
// Units must be enqueued in one consistent global order.
func (c *Coordinator) Enqueue(project string, reg TestRegistration) *Ticket {
	t := &Ticket{}
	for _, key := range c.laneKeys(project, reg) {
		l := c.lane(key)
		t.lanes = append(t.lanes, l)
		t.numbers = append(t.numbers, l.enqueue())
	}
	return t
}

func (c *Coordinator) laneKeys(project string, reg TestRegistration) []string {
	var keys []string
	if reg.Ordered {
		keys = append(keys, fmt.Sprintf("ordered/%s/%s", project, reg.Module))
	}
	if reg.SerialGroup != nil {
		if c.scope == SerialScopeGlobal {
			keys = append(keys, fmt.Sprintf("serial//%s", *reg.SerialGroup))
		} else {
			keys = append(keys, fmt.Sprintf("serial/%s/%s", project, *reg.SerialGroup))
		}
	}
	return keys
}

func (c *Coordinator) lane(key string) *lane {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.lanes[key]
	if !ok {
		l = newLane(key)
		c.lanes[key] = l
	}
	return l
}

// Admit blocks until the unit holding t may execute. The returned function
// releases everything Admit acquired and must be called exactly once.
func (c *Coordinator) Admit(ctx context.Context, t *Ticket) (func(), error) {
	if err := ctx.Err(); err != nil {
		for i, l := range t.lanes {
			l.forfeit(t.numbers[i])
		}
		return nil, err
	}

	for i, l := range t.lanes {
		if err := l.acquire(ctx, t.numbers[i]); err != nil {
			releaseLanes(t.lanes[:i])
			for j := i + 1; j < len(t.lanes); j++ {
				t.lanes[j].forfeit(t.numbers[j])
			}
			return nil, err
		}
	}

	if c.gate != nil {
		if err := c.gate.Acquire(ctx, 1); err != nil {
			releaseLanes(t.lanes)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if c.gate != nil {
				c.gate.Release(1)
			}
			releaseLanes(t.lanes)
		})
	}, nil
}

func releaseLanes(lanes []*lane) {
	for i := len(lanes) - 1; i >= 0; i-- {
		lanes[i].release()
	}
}
