// Package breaker guards renders with a per-browser-family circuit
// breaker, so a browser family that is persistently failing (a bad
// Chrome build behind a specific user-agent override, say) gets taken
// out of rotation instead of soaking up lease timeouts for everyone.
package breaker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned when a request is rejected because its family's
// breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// Registry lazily creates and holds one gobreaker.CircuitBreaker[any] per
// browser family. It is stateless across processes, as the design
// requires: nothing here is persisted.
type Registry struct {
	failMax      uint32
	resetTimeout time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewRegistry creates a breaker registry. A FailMax of zero disables
// rejection (the breaker never trips).
func NewRegistry(failMax uint32, resetTimeout time.Duration) *Registry {
	return &Registry{
		failMax:      failMax,
		resetTimeout: resetTimeout,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Family derives the browser family key from a user-agent string: the
// first token up to the first "/", lower-cased, or "default" for an
// empty user-agent.
func Family(userAgent string) string {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return "default"
	}
	if i := strings.IndexByte(ua, '/'); i > 0 {
		return strings.ToLower(ua[:i])
	}
	return strings.ToLower(ua)
}

func (r *Registry) breakerFor(family string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[family]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        family,
		MaxRequests: 1,
		Timeout:     r.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return r.failMax > 0 && counts.ConsecutiveFailures >= r.failMax
		},
	})
	r.breakers[family] = b
	return b
}

// Do runs fn through the breaker for family, translating an open-circuit
// rejection into ErrOpen.
func (r *Registry) Do(ctx context.Context, family string, fn func(ctx context.Context) (any, error)) (any, error) {
	b := r.breakerFor(family)
	result, err := b.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}
