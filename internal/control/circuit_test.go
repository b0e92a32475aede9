package control

import (
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	c := NewCircuitBreaker(2, 100*time.Millisecond)
	now := time.Now()

	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}

	c.RecordFailure("search_rate_limited", now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after first failure, got %s", c.State())
	}

	c.RecordFailure("search_rate_limited", now)
	if c.State() != CircuitOpen {
		t.Fatalf("expected open after threshold failures, got %s", c.State())
	}

	if c.Allow(now.Add(10 * time.Millisecond)) {
		t.Fatal("expected deny while cooldown not elapsed")
	}
	if !c.Allow(now.Add(120 * time.Millisecond)) {
		t.Fatal("expected allow after cooldown")
	}
	if c.State() != CircuitHalfOpen {
		t.Fatalf("expected half_open, got %s", c.State())
	}

	c.RecordSuccess()
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed after probe success, got %s", c.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	c := NewCircuitBreaker(1, time.Second)
	now := time.Unix(1000, 0)
	c.RecordFailure("command_source_api", now)
	if !c.Allow(now.Add(2 * time.Second)) {
		t.Fatal("expected probe to be allowed")
	}
	c.RecordFailure("command_source_api", now.Add(2*time.Second))
	if c.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", c.State())
	}
	if c.Allow(now.Add(2500 * time.Millisecond)) {
		t.Fatal("cooldown should restart from the failed probe")
	}
	if c.OpenedClass() != "command_source_api" {
		t.Fatalf("unexpected class %q", c.OpenedClass())
	}
}

func TestCircuitBreaker_ClassesCountedSeparately(t *testing.T) {
	c := NewCircuitBreaker(2, time.Second)
	now := time.Now()
	c.RecordFailure("a", now)
	c.RecordFailure("b", now)
	if c.State() != CircuitClosed {
		t.Fatalf("expected closed, got %s", c.State())
	}
	c.RecordFailure("", now)
	c.RecordFailure("", now)
	if c.OpenedClass() != "unknown" {
		t.Fatalf("expected unknown class, got %q", c.OpenedClass())
	}
}

func TestCircuitBreaker_OnTransition(t *testing.T) {
	type change struct{ from, to CircuitState }
	var got []change
	c := NewCircuitBreaker(1, time.Second)
	c.OnTransition = func(from, to CircuitState, _ string) {
		got = append(got, change{from, to})
	}
	now := time.Now()
	c.RecordSuccess()
	c.RecordFailure("x", now)
	c.Allow(now.Add(2 * time.Second))
	c.RecordSuccess()

	want := []change{
		{CircuitClosed, CircuitOpen},
		{CircuitOpen, CircuitHalfOpen},
		{CircuitHalfOpen, CircuitClosed},
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_ConcurrentUse(t *testing.T) {
	c := NewCircuitBreaker(3, time.Millisecond)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				now := time.Now()
				if c.Allow(now) {
					if (i+j)%2 == 0 {
						c.RecordFailure("x", now)
					} else {
						c.RecordSuccess()
					}
				}
				_ = c.State()
			}
		}(i)
	}
	wg.Wait()
}
