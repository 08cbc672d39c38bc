// Package circuitbreaker implements a per-instance keyed circuit breaker
// for the gateway's upstream provider calls (spec.md §4.4 step 5): each
// instanceId (a service-key owner or header-derived id) gets its own
// Closed/Open/HalfOpen state machine, keyed and created on first use by a
// Manager.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config controls one breaker's trip/reset policy.
type Config struct {
	Name string

	// MaxRequests bounds concurrent probes allowed while HalfOpen.
	MaxRequests uint32

	// Interval is the rolling window in Closed state after which counts
	// reset (spec.md §4.4: "within a short window, default 10s").
	Interval time.Duration

	// Timeout is how long the breaker stays Open before probing again
	// (spec.md's resetAfter, default 30s).
	Timeout time.Duration

	// ReadyToTrip decides whether a Closed-state failure should trip the
	// breaker. Default: more than Threshold failures within Interval.
	ReadyToTrip func(counts Counts) bool

	OnStateChange func(name string, from, to State)
}

// DefaultConfig matches spec.md §4.4 step 5's stated defaults: 10s window,
// trip past 20 errors, 30s reset.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.TotalFailures > 20
		},
		OnStateChange: func(name string, from, to State) {
			log.Printf("[circuitbreaker:%s] %s -> %s", name, from, to)
		},
	}
}

// Counts holds one generation's request tally.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker is one instanceId's breaker state machine.
type CircuitBreaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
	trippedAt     *time.Time
}

func newBreaker(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	now := time.Now()
	cb := &CircuitBreaker{cfg: cfg, state: StateClosed, lastStateTime: now}
	cb.toNewGeneration(now)
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// TrippedAt returns when the breaker last tripped Open, or nil.
func (cb *CircuitBreaker) TrippedAt() *time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trippedAt
}

// Allow reports whether a request may proceed without executing anything
// (spec.md's gateway pipeline checks this before forwarding upstream).
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	if state == StateOpen {
		return ErrCircuitOpen
	}
	if state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests {
		return ErrTooManyRequests
	}
	return nil
}

// RecordSuccess/RecordFailure update the breaker after the gateway learns
// the upstream call's outcome (it already decided to Allow() beforehand).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.currentState(time.Now())
	switch state {
	case StateClosed:
		cb.counts.onSuccess()
	case StateHalfOpen:
		cb.counts.onSuccess()
		if cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests {
			cb.setState(StateClosed, time.Now())
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	state, _ := cb.currentState(now)
	switch state {
	case StateClosed:
		cb.counts.onFailure()
		if cb.cfg.ReadyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

// Execute runs req only if Allow() permits it, recording the outcome.
func (cb *CircuitBreaker) Execute(req func() (any, error)) (any, error) {
	if err := cb.Allow(); err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure()
			panic(r)
		}
	}()
	result, err := req()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return result, err
}

// ExecuteContext is Execute with a context-aware request function.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, req func(context.Context) (any, error)) (any, error) {
	return cb.Execute(func() (any, error) { return req(ctx) })
}

func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.lastStateTime = now
	if state == StateOpen {
		t := now
		cb.trippedAt = &t
	} else if state == StateClosed {
		cb.trippedAt = nil
	}
	cb.toNewGeneration(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts.clear()

	var expiry time.Time
	switch cb.state {
	case StateClosed:
		if cb.cfg.Interval > 0 {
			expiry = now.Add(cb.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(cb.cfg.Timeout)
	}
	cb.expiry = expiry
}

func (cb *CircuitBreaker) String() string {
	state := cb.State()
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]", cb.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// Manager keys breakers by instanceId, creating one with DefaultConfig on
// first use.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config
}

func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), cfg: defaultCfg}
}

// Get returns instanceId's breaker, creating it with the manager's default
// config if it doesn't exist yet.
func (m *Manager) Get(instanceID string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[instanceID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[instanceID]; ok {
		return cb
	}
	cfg := *m.cfg
	cfg.Name = instanceID
	cb = newBreaker(&cfg)
	m.breakers[instanceID] = cb
	return cb
}

func (m *Manager) Remove(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, instanceID)
}

func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	return names
}

// Stats summarizes every known breaker's state.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = Stats{Name: name, State: cb.State(), Counts: cb.Counts()}
	}
	return out
}

type Stats struct {
	Name   string
	State  State
	Counts Counts
}
