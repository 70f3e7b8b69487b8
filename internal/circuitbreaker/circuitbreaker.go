// Package circuitbreaker fails fast when a Foundry deployment keeps erroring.
// Breakers never retry; they only decide whether a call may start.
//
// States:
//   - Closed: calls pass through
//   - Open: calls fail with domain.ErrCircuitBreakerOpen
//   - Half-Open: calls pass while recovery is probed
//
// Implementations:
//   - InMemoryCircuitBreaker: single instance, guarded by sync.RWMutex
//   - RedisCircuitBreaker: one Redis hash per deployment, changed only by a Lua script
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/felipepmaragno/foundry-gateway/internal/domain"
	"github.com/felipepmaragno/foundry-gateway/internal/metrics"
)

type CircuitBreaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the circuit is open.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // open period before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// IsFailure reports whether err should count against the deployment: transport
// failures and 5xx or 429 responses. Caller mistakes, moderation results and
// cancellations do not.
func IsFailure(err error) bool {
	if err == nil || errors.Is(err, domain.ErrCanceled) {
		return false
	}
	var gerr *domain.GatewayError
	if !errors.As(err, &gerr) || gerr.Kind != domain.ErrUpstreamHTTP {
		return false
	}
	return gerr.Status == 0 || gerr.Status >= 500 || gerr.Status == 429
}

type InMemoryCircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	config      Config
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.RLock()
	state := cb.state
	lastFailure := cb.lastFailure
	cb.mu.RUnlock()

	switch state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(lastFailure) > cb.config.Timeout {
			cb.mu.Lock()
			if cb.state == StateOpen {
				cb.state = StateHalfOpen
				cb.successes = 0
			}
			cb.mu.Unlock()
			return nil
		}
		return domain.ErrCircuitBreakerOpen
	case StateHalfOpen:
		return nil
	}

	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Manager keeps one breaker per deployment.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	factory  func(deployment string) CircuitBreaker
	onChange func(deployment string, from, to State)
}

type ManagerOption func(*Manager)

// WithRedis shares breaker state through client.
func WithRedis(client RedisClient) ManagerOption {
	return func(m *Manager) {
		m.factory = func(deployment string) CircuitBreaker {
			return NewRedisWithClient(client, deployment, m.config)
		}
	}
}

// WithStateChange registers fn for every observed transition. It runs on the
// request goroutine.
func WithStateChange(fn func(deployment string, from, to State)) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		factory: func(deployment string) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Get(deployment string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[deployment]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existingCB, ok := m.breakers[deployment]; ok {
		return existingCB
	}

	cb = m.factory(deployment)
	m.breakers[deployment] = cb
	return cb
}

func (m *Manager) Allow(ctx context.Context, deployment string) error {
	cb := m.Get(deployment)
	before := cb.State(ctx)
	err := cb.Allow(ctx)
	m.observe(ctx, deployment, cb, before)
	return err
}

// Record feeds the outcome of one call into the deployment's breaker.
func (m *Manager) Record(ctx context.Context, deployment string, err error) {
	cb := m.Get(deployment)
	before := cb.State(ctx)

	switch {
	case err == nil:
		cb.RecordSuccess(ctx)
	case IsFailure(err):
		cb.RecordFailure(ctx)
	default:
		return
	}

	m.observe(ctx, deployment, cb, before)
}

func (m *Manager) observe(ctx context.Context, deployment string, cb CircuitBreaker, before State) {
	after := cb.State(ctx)
	if after == before {
		return
	}
	metrics.SetCircuitBreakerState(deployment, int(after))
	if m.onChange != nil {
		m.onChange(deployment, before, after)
	}
}

func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string)
	for id, cb := range m.breakers {
		states[id] = cb.State(ctx).String()
	}
	return states
}
