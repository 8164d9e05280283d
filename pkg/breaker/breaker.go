// Package breaker implements the circuit breaker that gates calls to the
// downstream publish primitive.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while calls are being short-circuited.
var ErrOpen = errors.New("circuit breaker is open")

// Phase is the breaker's position in its state machine.
type Phase int

const (
	Closed Phase = iota
	Open
	HalfOpen
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the thresholds and cooldowns of a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// Cooldown is the base time spent OPEN before a trial is admitted.
	Cooldown time.Duration `yaml:"cooldown" env:"COOLDOWN"`
	// BackoffFactor multiplies the cooldown after a failed trial.
	BackoffFactor float64 `yaml:"backoff_factor" env:"BACKOFF_FACTOR"`
	// MaxCooldown caps the grown cooldown.
	MaxCooldown time.Duration `yaml:"max_cooldown" env:"MAX_COOLDOWN"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		BackoffFactor:    2,
		MaxCooldown:      10 * time.Minute,
	}
}

// State is a consistent point-in-time copy of the breaker.
type State struct {
	Phase               Phase
	ConsecutiveFailures int
	OpenedAt            time.Time
	Cooldown            time.Duration
}

// TransitionFunc observes phase changes. It is called with the breaker's lock
// held and must not call back into the breaker.
type TransitionFunc func(name string, from, to Phase)

// Breaker is safe for concurrent use; every mutation happens under one mutex.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu            sync.Mutex
	phase         Phase
	failures      int
	openedAt      time.Time
	cooldown      time.Duration
	trialInFlight bool

	onTransition TransitionFunc
}

// Option customises a Breaker.
type Option func(*Breaker)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionFunc registers an observer for phase changes.
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a CLOSED breaker. Non-positive config values take their defaults.
func New(name string, cfg Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = defaults.BackoffFactor
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	b := &Breaker{
		name:     name,
		cfg:      cfg,
		now:      time.Now,
		cooldown: cfg.Cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's name, normally the output topic it guards.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call may proceed. In OPEN it returns ErrOpen until
// the cooldown has elapsed, then moves to HALF_OPEN and admits exactly one
// trial. Further calls are refused until that trial reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.trialInFlight = true
		return nil
	default: // HalfOpen
		if b.trialInFlight {
			return ErrOpen
		}
		b.trialInFlight = true
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.phase == HalfOpen {
		b.trialInFlight = false
		b.cooldown = b.cfg.Cooldown
		b.transition(Closed)
	}
}

// Failure records a failed call. It reports whether the breaker is OPEN afterwards.
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case HalfOpen:
		b.failures++
		b.trialInFlight = false
		next := time.Duration(float64(b.cooldown) * b.cfg.BackoffFactor)
		if next > b.cfg.MaxCooldown || next <= 0 {
			next = b.cfg.MaxCooldown
		}
		b.cooldown = next
		b.open()
	}
	// Failures reported while OPEN come from calls admitted before the
	// breaker opened; they do not extend the cooldown.
	return b.phase == Open
}

// Abort releases an admitted call that ended without telling us anything about
// the downstream, such as a cancelled context. The phase is unchanged; in
// HALF_OPEN the next Allow admits a new trial.
func (b *Breaker) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.phase == HalfOpen {
		b.trialInFlight = false
	}
}

// Phase returns the current phase without advancing it.
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// State returns a consistent copy of the breaker's fields.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Phase:               b.phase,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		Cooldown:            b.cooldown,
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(Open)
}

func (b *Breaker) transition(to Phase) {
	from := b.phase
	b.phase = to
	if b.onTransition != nil && from != to {
		b.onTransition(b.name, from, to)
	}
}
