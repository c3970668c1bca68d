// Package circuitbreaker protects the fetch worker from a wedged or
// failing backend: once a director's upstream trips the threshold, further
// fetches fail fast instead of piling up goroutines waiting on a dead
// connection.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is a breaker's position in the closed/open/half-open cycle.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the backend recovered
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
	ErrCircuitOpen     = errors.New("circuitbreaker: circuit is open")
	ErrTooManyRequests = errors.New("circuitbreaker: too many requests in half-open state")
)

// Config holds breaker tuning.
type Config struct {
	Name string

	// MaxRequests is how many probes are allowed through in half-open
	// state before deciding whether to close again.
	MaxRequests uint32

	// Interval is the period in closed state after which counts reset,
	// so an old failure streak doesn't linger forever. Zero disables the
	// reset.
	Interval time.Duration

	// Timeout is how long the breaker stays open before trying half-open.
	Timeout time.Duration

	// ReadyToTrip decides, from a copy of Counts, whether a closed
	// breaker should trip open.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange is called whenever the breaker's state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after 5 requests with over 50% failures — a
// reasonable default for a single backend director.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from, to State) {
			slog.Info("circuitbreaker: state change", "name", name, "from", from, "to", to)
		},
	}
}

// Counts tallies requests within the current generation.
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

// Breaker is a single circuit breaker guarding one upstream.
type Breaker struct {
	cfg *Config

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	expiry        time.Time
	lastStateTime time.Time
}

// New creates a breaker in the closed state.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &Breaker{cfg: cfg, state: StateClosed, lastStateTime: time.Now()}
}

func (b *Breaker) Name() string { return b.cfg.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Allow reports whether a request may proceed right now. It does not count
// the attempt: RecordSuccess or RecordFailure does that once the attempt
// completes, so in half-open state Allow admits requests while fewer than
// MaxRequests probes have completed. The fetch worker calls this once per
// attempt instead of wrapping the call in Execute, since the fetch itself
// runs asynchronously on its own goroutine.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, _ := b.currentState(now)

	if state == StateOpen {
		return false
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return false
	}
	return true
}

// RecordSuccess reports a completed attempt that succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	switch state {
	case StateClosed:
		b.counts.onSuccess()
	case StateHalfOpen:
		b.counts.onSuccess()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.setState(StateClosed, time.Now())
		}
	}
}

// RecordFailure reports a completed attempt that failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	state, _ := b.currentState(now)
	switch state {
	case StateClosed:
		b.counts.onFailure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.lastStateTime = now
	b.toNewGeneration(now)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	var expiry time.Time
	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			expiry = now.Add(b.cfg.Interval)
		}
	case StateOpen:
		expiry = now.Add(b.cfg.Timeout)
	}
	b.expiry = expiry
}

func (b *Breaker) String() string {
	state := b.State()
	counts := b.Counts()
	return fmt.Sprintf("Breaker[%s: state=%s, requests=%d, failures=%d]",
		b.cfg.Name, state, counts.Requests, counts.TotalFailures)
}

// Manager keeps one breaker per backend/director name, created lazily.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      *Config
}

// NewManager creates a manager that stamps defaultCfg's tuning (with the
// name replaced) onto each breaker it creates on demand.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{breakers: make(map[string]*Breaker), cfg: defaultCfg}
}

func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := *m.cfg
	cfg.Name = name
	b = New(&cfg)
	m.breakers[name] = b
	return b
}

func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
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

// Stats reports state and counts for every breaker the manager has created.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = Stats{Name: name, State: b.State(), Counts: b.Counts()}
	}
	return out
}

type Stats struct {
	Name   string
	State  State
	Counts Counts
}
