// Package server holds the connection policy of a session server: allowed
// origins, frame size and rate limits. The policy can be replaced while the
// server runs and applies to connections accepted afterwards.
package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lina4Life/passionart-sub000/internal/config"
)

// RateLimitConfig defines the parameters for per-connection frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

type policy struct {
	mu              sync.RWMutex
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
	maxMessageSize  int64
	rateLimit       RateLimitConfig
	log             zerolog.Logger
}

func newPolicy(cfg config.Config, logger zerolog.Logger) *policy {
	p := &policy{log: logger}
	p.apply(cfg)
	return p
}

// apply replaces the policy with the values of cfg.
func (p *policy) apply(cfg config.Config) {
	cfg = config.Sanitize(cfg)
	normalized, allowAll := normalizeOrigins(cfg.Server.AllowedOrigins, p.log)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.allowAllOrigins = allowAll
	p.allowedOrigins = make(map[string]struct{}, len(normalized))
	for _, origin := range normalized {
		p.allowedOrigins[origin] = struct{}{}
	}
	p.maxMessageSize = cfg.Server.MaxMessageSize
	p.rateLimit = RateLimitConfig{
		Burst:          cfg.RateLimit.Burst,
		RefillInterval: cfg.RateLimit.RefillInterval,
	}
}

func (p *policy) limits() (int64, RateLimitConfig) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxMessageSize, p.rateLimit
}
