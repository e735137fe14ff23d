package delivery

import (
	"log/slog"
	"sync"
	"time"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Timeout          time.Duration // open -> half-open delay
	Logger           *slog.Logger
	Backend          string
}

// CircuitBreaker guards one backend. While open, dispatches are refused so a
// dead gateway does not burn every queued message's retry budget.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailure     time.Time
	lastStateChange time.Time
	config          CircuitBreakerConfig
	now             func() time.Time
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:  CircuitClosed,
		config: config,
		now:    time.Now,
	}
}

func (cb *CircuitBreaker) setState(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.now()
	if cb.config.Logger != nil {
		cb.config.Logger.Info("circuit_breaker_state_change",
			slog.String("backend", cb.config.Backend),
			slog.String("from_state", from.String()),
			slog.String("to_state", to.String()),
			slog.Int("failure_count", cb.failureCount),
		)
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout {
			cb.successCount = 0
			cb.failureCount = 0
			cb.setState(CircuitHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.failureCount = 0
			cb.successCount = 0
			cb.setState(CircuitClosed)
		}
	case CircuitClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case CircuitHalfOpen:
		cb.failureCount = 0
		cb.successCount = 0
		cb.setState(CircuitOpen)
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setState(CircuitOpen)
		}
	}
}

// Stats is reported by the health endpoint.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"state":             cb.state.String(),
		"failure_count":     cb.failureCount,
		"last_failure":      cb.lastFailure,
		"last_state_change": cb.lastStateChange,
	}
}

// breakerSet lazily creates one breaker per backend name.
type breakerSet struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

func newBreakerSet(config CircuitBreakerConfig) *breakerSet {
	return &breakerSet{config: config, breakers: map[string]*CircuitBreaker{}}
}

func (s *breakerSet) get(backend string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[backend]
	if !ok {
		cfg := s.config
		cfg.Backend = backend
		cb = NewCircuitBreaker(cfg)
		s.breakers[backend] = cb
	}
	return cb
}

func (s *breakerSet) stats() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.Stats()
	}
	return out
}
