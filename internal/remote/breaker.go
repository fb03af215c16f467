package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/stagerun/internal/logging"
)

// BreakerConfig tunes the per-host circuit breakers.
type BreakerConfig struct {
	MaxRequests uint32        // Probe requests allowed while half-open (default 3)
	Timeout     time.Duration // How long a breaker stays open (default 30s)
	Failures    uint32        // Consecutive connection failures that trip it (default 5)
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxRequests: 3, Timeout: 30 * time.Second, Failures: 5}
}

// BreakerTransport wraps a Transport with one circuit breaker per host.
// Only connection errors count against a host; a command that ran and
// exited non-zero proves the host is up.
type BreakerTransport struct {
	next   Transport
	config BreakerConfig
	log    *logging.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps next. A nil logger discards state changes.
func NewBreakerTransport(next Transport, cfg BreakerConfig, log *logging.Logger) *BreakerTransport {
	def := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Failures == 0 {
		cfg.Failures = def.Failures
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &BreakerTransport{
		next:     next,
		config:   cfg,
		log:      log,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Breaker returns the circuit breaker for host, creating it on first use.
func (b *BreakerTransport) Breaker(host string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[host]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: b.config.MaxRequests,
		Timeout:     b.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= b.config.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit breaker state change", "host", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil || !IsConnection(err) {
				return true
			}
			// Cancellation is ours, not the host's.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	b.breakers[host] = cb
	return cb
}

// Run implements Transport.
func (b *BreakerTransport) Run(ctx context.Context, target Target, cmd Command) (Output, error) {
	host := target.Address()
	result, err := b.Breaker(host).Execute(func() (interface{}, error) {
		return b.next.Run(ctx, target, cmd)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Output{}, &Error{Kind: KindConnection, Host: host, Err: fmt.Errorf("circuit open: %w", err)}
	}
	out, _ := result.(Output)
	return out, err
}
