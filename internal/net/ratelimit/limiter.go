package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a per-host token bucket. Hosts without an explicit rate share the
// default RPS and burst; a non-positive RPS disables limiting for that host.
type Limiter struct {
	mu        sync.RWMutex
	limiters  map[string]*rate.Limiter
	overrides map[string]Rate
	def       Rate
}

// Rate is a requests-per-second budget with burst capacity.
type Rate struct {
	RPS   float64 `yaml:"rps" json:"rps"`
	Burst int     `yaml:"burst" json:"burst"`
}

func (r Rate) limit() rate.Limit {
	if r.RPS <= 0 {
		return rate.Inf
	}
	return rate.Limit(r.RPS)
}

func (r Rate) burst() int {
	if r.Burst < 1 {
		return 1
	}
	return r.Burst
}

// NewLimiter creates a limiter applying rps/burst to every host.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters:  make(map[string]*rate.Limiter),
		overrides: make(map[string]Rate),
		def:       Rate{RPS: rps, Burst: burst},
	}
}

// SetHostRate overrides the budget for one host. An existing bucket is adjusted in place.
func (l *Limiter) SetHostRate(host string, r Rate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.overrides[host] = r
	if lim, ok := l.limiters[host]; ok {
		lim.SetLimit(r.limit())
		lim.SetBurst(r.burst())
	}
}

func (l *Limiter) get(host string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[host]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[host]; ok {
		return lim
	}

	r, ok := l.overrides[host]
	if !ok {
		r = l.def
	}
	lim = rate.NewLimiter(r.limit(), r.burst())
	l.limiters[host] = lim
	return lim
}

// Allow reports whether a request to host may proceed now.
func (l *Limiter) Allow(host string) bool {
	return l.get(host).Allow()
}

// Wait blocks until a request to host may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	return l.get(host).Wait(ctx)
}

// Hosts returns the hosts that have a bucket.
func (l *Limiter) Hosts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	hosts := make([]string, 0, len(l.limiters))
	for h := range l.limiters {
		hosts = append(hosts, h)
	}
	return hosts
}
