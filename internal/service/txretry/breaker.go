package txretry

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrCircuitOpen возвращается, пока breaker разомкнут.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker защищает внешний sink (redis, брокер) от лавины повторных вызовов.
// После maxFailures ошибок подряд вызовы отсекаются на cooldown, затем пропускается одна пробная.
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration
	logger      *log.Entry
	now         func() time.Time

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
}

func NewCircuitBreaker(maxFailures int, cooldown time.Duration, logger *log.Entry) *CircuitBreaker {
	if logger == nil {
		logger = log.WithField("component", "circuit-breaker")
	}
	return &CircuitBreaker{
		maxFailures: max(maxFailures, 1),
		cooldown:    cooldown,
		logger:      logger,
		now:         time.Now,
	}
}

func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute вызывает fn, если breaker его пропускает, и учитывает результат.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	if !cb.allow(operation) {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(operation, err)
	return err
}

func (cb *CircuitBreaker) allow(operation string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return true
	}
	if cb.now().Sub(cb.openedAt) <= cb.cooldown {
		return false
	}
	cb.transition(operation, CircuitHalfOpen)
	return true
}

func (cb *CircuitBreaker) record(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.transition(operation, CircuitClosed)
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		cb.transition(operation, CircuitOpen)
	}
}

func (cb *CircuitBreaker) transition(operation string, to CircuitState) {
	if cb.state == to {
		return
	}
	cb.logger.WithFields(log.Fields{
		"operation": operation,
		"from":      cb.state.String(),
		"to":        to.String(),
		"failures":  cb.failures,
	}).Info("circuit breaker state changed")
	cb.state = to
}
