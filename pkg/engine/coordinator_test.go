package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func serialReg(module, name, group string) TestRegistration {
	return TestRegistration{Module: module, Name: name, SerialGroup: &group}
}

func TestCoordinatorAdmitsLaneInTicketOrder(t *testing.T) {
	coord := NewCoordinator(0, SerialScopeProject)

	const n = 5
	tickets := make([]*Ticket, n)
	for i := range tickets {
		tickets[i] = coord.Enqueue("p", serialReg("m", "t", "db"))
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	// Start goroutines in reverse so arrival order differs from ticket order.
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := coord.Admit(context.Background(), tickets[i])
			if err != nil {
				t.Errorf("Admit() error = %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			release()
		}(i)
	}
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("Admission order = %v, want ascending tickets", order)
		}
	}
}

func TestCoordinatorSerialScope(t *testing.T) {
	tests := []struct {
		name      string
		scope     SerialScope
		wantLanes int
	}{
		{name: "project", scope: SerialScopeProject, wantLanes: 2},
		{name: "global", scope: SerialScopeGlobal, wantLanes: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := NewCoordinator(0, tt.scope)
			a := coord.Enqueue("alpha", serialReg("m", "t", "db"))
			b := coord.Enqueue("beta", serialReg("m", "t", "db"))

			keys := map[string]bool{}
			for _, k := range append(a.Keys(), b.Keys()...) {
				keys[k] = true
			}
			if len(keys) != tt.wantLanes {
				t.Errorf("Expected %d distinct lanes, got %v", tt.wantLanes, keys)
			}
		})
	}
}

func TestCoordinatorLaneKeys(t *testing.T) {
	coord := NewCoordinator(0, SerialScopeProject)

	free := coord.Enqueue("p", TestRegistration{Module: "m", Name: "free"})
	if len(free.Keys()) != 0 {
		t.Errorf("Unconstrained test should not join any lane, got %v", free.Keys())
	}

	group := ""
	both := coord.Enqueue("p", TestRegistration{Module: "m", Name: "both", Ordered: true, SerialGroup: &group})
	if len(both.Keys()) != 2 {
		t.Errorf("Ordered serial test should join two lanes, got %v", both.Keys())
	}

	named := coord.Enqueue("p", serialReg("m", "named", "db"))
	if named.Keys()[0] == both.Keys()[1] {
		t.Error("Named group must not share the anonymous group lane")
	}
}

func TestCoordinatorGateBoundsConcurrency(t *testing.T) {
	coord := NewCoordinator(2, SerialScopeProject)

	var active, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		ticket := coord.Enqueue("p", TestRegistration{Module: "m", Name: "t"})
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := coord.Admit(context.Background(), ticket)
			if err != nil {
				t.Errorf("Admit() error = %v", err)
				return
			}
			defer release()
			now := active.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("Peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestCoordinatorCancelledTicketPassesTurn(t *testing.T) {
	coord := NewCoordinator(0, SerialScopeProject)

	first := coord.Enqueue("p", serialReg("m", "a", "db"))
	second := coord.Enqueue("p", serialReg("m", "b", "db"))
	third := coord.Enqueue("p", serialReg("m", "c", "db"))

	release, err := coord.Admit(context.Background(), first)
	if err != nil {
		t.Fatalf("Admit(first) error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	secondErr := make(chan error, 1)
	go func() {
		_, err := coord.Admit(ctx, second)
		secondErr <- err
	}()

	thirdAdmitted := make(chan struct{})
	go func() {
		rel, err := coord.Admit(context.Background(), third)
		if err != nil {
			t.Errorf("Admit(third) error = %v", err)
			return
		}
		rel()
		close(thirdAdmitted)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-secondErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Admit(second) error = %v, want Canceled", err)
	}

	release()

	select {
	case <-thirdAdmitted:
	case <-time.After(time.Second):
		t.Fatal("Third ticket was never admitted after the second was cancelled")
	}
}

func TestCoordinatorAdmitWithDoneContext(t *testing.T) {
	coord := NewCoordinator(1, SerialScopeProject)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	skipped := coord.Enqueue("p", serialReg("m", "a", "db"))
	next := coord.Enqueue("p", serialReg("m", "b", "db"))

	if _, err := coord.Admit(ctx, skipped); !errors.Is(err, context.Canceled) {
		t.Fatalf("Admit() error = %v, want Canceled", err)
	}

	release, err := coord.Admit(context.Background(), next)
	if err != nil {
		t.Fatalf("Admit(next) error = %v", err)
	}
	release()
	release()
}

func TestSerialScopeValidate(t *testing.T) {
	if err := SerialScopeProject.Validate(); err != nil {
		t.Errorf("Validate(project) error = %v", err)
	}
	if err := SerialScope("planet").Validate(); err == nil {
		t.Error("Expected error for unknown scope")
	}
}
