// Package resilience provides circuit breakers and retries for calls that
// leave the process.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
)

// State represents the state of a circuit breaker.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the cooldown elapses.
	Open
	// HalfOpen lets a single probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a call is rejected by an open circuit.
var ErrOpen = eris.New("resilience: circuit open")

// BreakerConfig controls when a breaker opens and how long it stays open.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 5.
	FailureThreshold int
	// Cooldown is how long the circuit stays open. Default: 30s.
	Cooldown time.Duration
	// OnStateChange is called with the breaker name on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is a circuit breaker for one named dependency.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	clock clockwork.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. A nil clock uses the real clock.
func NewBreaker(name string, cfg BreakerConfig, clock clockwork.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{name: name, cfg: cfg, clock: clock}
}

// Name returns the dependency name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, reporting HalfOpen once the cooldown of
// an open circuit has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clock.Since(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Call runs fn through the breaker.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.acquire(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.release(ctx, err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.clock.Since(b.openedAt) < b.cfg.Cooldown {
			return eris.Wrapf(ErrOpen, "resilience: %s", b.name)
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return eris.Wrapf(ErrOpen, "resilience: %s probe in flight", b.name)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) release(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == HalfOpen
	if wasProbe {
		b.probing = false
	}

	// The caller giving up says nothing about the dependency.
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return
	}

	if err == nil {
		b.failures = 0
		if wasProbe {
			b.transition(Closed)
		}
		return
	}

	b.failures++
	if wasProbe || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = b.clock.Now()
		if b.state != Open {
			b.transition(Open)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil && from != to {
		b.cfg.OnStateChange(b.name, from, to)
	}
}

// Breakers hands out one breaker per dependency name.
type Breakers struct {
	cfg   BreakerConfig
	clock clockwork.Clock

	mu sync.Mutex
	m  map[string]*Breaker
}

// NewBreakers creates a breaker registry sharing one config and clock.
func NewBreakers(cfg BreakerConfig, clock clockwork.Clock) *Breakers {
	return &Breakers{cfg: cfg, clock: clock, m: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.m[name]; ok {
		return b
	}
	b := NewBreaker(name, r.cfg, r.clock)
	r.m[name] = b
	return b
}

// States returns a snapshot of every breaker's state.
func (r *Breakers) States() map[string]State {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.m))
	for _, b := range r.m {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.name] = b.State()
	}
	return out
}
