// Package ratelimit implements a per-agent token-bucket limiter for
// the transport layer, using golang.org/x/time/rate (an indirect
// teacher dependency, promoted to direct here). It never touches
// queue/locks/session state; a limited caller only ever fails at the
// transport boundary.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config configures the limiter, mirroring spec.md §6.5's rateLimit
// configuration block.
type Config struct {
	WindowMs      int            `yaml:"window_ms" json:"window_ms"`
	DefaultPerMin int            `yaml:"default_per_min" json:"default_per_min"`
	PerAgent      map[string]int `yaml:"per_agent,omitempty" json:"per_agent,omitempty"`
	ExcludedPaths []string       `yaml:"excluded_paths,omitempty" json:"excluded_paths,omitempty"`
}

// Limiter grants per-caller-key tokens at the configured rate, lazily
// creating a bucket the first time a key is seen.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	buckets  map[string]*rate.Limiter
	excluded map[string]bool
}

// New constructs a Limiter from cfg, defaulting DefaultPerMin to 60
// requests/min when unset.
func New(cfg Config) *Limiter {
	if cfg.DefaultPerMin <= 0 {
		cfg.DefaultPerMin = 60
	}
	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter), excluded: excluded}
}

// ExcludedPath reports whether path is exempt from rate limiting.
func (l *Limiter) ExcludedPath(path string) bool { return l.excluded[path] }

// Allow reports whether key (typically an agent identity or token) may
// proceed right now, consuming one token if so.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).Allow()
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	perMin := l.cfg.DefaultPerMin
	if custom, ok := l.cfg.PerAgent[key]; ok && custom > 0 {
		perMin = custom
	}
	b := rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	l.buckets[key] = b
	return b
}
