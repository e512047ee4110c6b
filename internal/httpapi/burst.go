package httpapi

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	burstTableSize = 16384
	// A limiter idle this long is full again, so evicting it loses nothing.
	burstIdleTTL = 10 * time.Minute
)

// BurstGuard throttles rapid repeats from one identity before they reach the ledger.
// It is per process and never replaces the daily limit. A nil guard allows everything.
type BurstGuard struct {
	mu        sync.Mutex
	perMinute int
	limiters  *expirable.LRU[string, *rate.Limiter]
	now       func() time.Time
}

// NewBurstGuard returns nil when perMinute is not positive.
func NewBurstGuard(perMinute int) *BurstGuard {
	if perMinute <= 0 {
		return nil
	}
	return &BurstGuard{
		perMinute: perMinute,
		limiters:  expirable.NewLRU[string, *rate.Limiter](burstTableSize, nil, burstIdleTTL),
		now:       time.Now,
	}
}

// Allow consumes one token for identity.
func (g *BurstGuard) Allow(identity string) bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters.Get(identity)
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.perMinute)), g.perMinute)
		g.limiters.Add(identity, lim)
	}
	return lim.AllowN(g.now(), 1)
}
