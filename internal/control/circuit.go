package control

import (
	"sync"
	"time"
)

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker is a minimal per-error-class breaker. It is safe for
// concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	// OnTransition, when set, is called after every state change. It runs
	// outside the breaker's lock.
	OnTransition func(from, to CircuitState, errClass string)

	mu          sync.Mutex
	state       CircuitState
	failures    map[string]int
	openedAt    time.Time
	openedClass string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		failures:  map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow returns whether new work is allowed at this instant.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	c.mu.Lock()
	if c.state != CircuitOpen {
		c.mu.Unlock()
		return true
	}
	if now.Sub(c.openedAt) < c.Cooldown {
		c.mu.Unlock()
		return false
	}
	c.state = CircuitHalfOpen
	class := c.openedClass
	c.mu.Unlock()
	c.notify(CircuitOpen, CircuitHalfOpen, class)
	return true
}

// RecordSuccess updates state after a successful probe/operation.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	prev := c.state
	class := c.openedClass
	c.state = CircuitClosed
	c.openedClass = ""
	c.failures = map[string]int{}
	c.mu.Unlock()
	if prev != CircuitClosed {
		c.notify(prev, CircuitClosed, class)
	}
}

// RecordFailure updates state after an error in the given class.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) {
	if errClass == "" {
		errClass = "unknown"
	}
	c.mu.Lock()
	prev := c.state
	if c.state == CircuitHalfOpen {
		c.open(errClass, now)
	} else {
		c.failures[errClass]++
		if c.failures[errClass] >= c.Threshold {
			c.open(errClass, now)
		}
	}
	next := c.state
	c.mu.Unlock()
	if prev != next {
		c.notify(prev, next, errClass)
	}
}

func (c *CircuitBreaker) open(errClass string, now time.Time) {
	c.state = CircuitOpen
	c.openedAt = now
	c.openedClass = errClass
}

func (c *CircuitBreaker) OpenedClass() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openedClass
}

func (c *CircuitBreaker) notify(from, to CircuitState, errClass string) {
	if c.OnTransition != nil {
		c.OnTransition(from, to, errClass)
	}
}
