package classifier

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter blocks until the next external call may start.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// MinInterval spaces consecutive calls at least interval apart.
type MinInterval struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// NewMinInterval returns a limiter; interval <= 0 disables limiting.
func NewMinInterval(interval time.Duration) *MinInterval {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &MinInterval{lim: rate.NewLimiter(limit, 1)}
}

func (m *MinInterval) Wait(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lim.Wait(ctx)
}
