package resolve

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/scholarwatch/scholarwatch/internal/scholar"
	"github.com/scholarwatch/scholarwatch/internal/store"
)

// Throttle row names.
const (
	ThrottleArxiv        = "arxiv"
	ThrottleAuthorSearch = "author_search"
)

// GateConfig controls one shared-dependency gate.
type GateConfig struct {
	// MinInterval spaces successive requests across all worker processes.
	MinInterval time.Duration
	// Cooldown is how long the dependency rests after a rate-limit response.
	Cooldown time.Duration
	// LocalRate bounds this process on top of the shared row, so a burst of
	// goroutines cannot race the database gate.
	LocalRate rate.Limit
}

func (c GateConfig) withDefaults() GateConfig {
	if c.MinInterval <= 0 {
		c.MinInterval = 3 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Minute
	}
	if c.LocalRate <= 0 {
		c.LocalRate = rate.Every(c.MinInterval)
	}
	return c
}

// Gate serializes access to one shared external dependency. The authoritative
// state lives in a database row mutated under an advisory lock, so the polite
// request rate holds across worker processes, not just goroutines.
type Gate struct {
	name      string
	cfg       GateConfig
	throttles store.ThrottleStore
	local     *rate.Limiter
	clock     scholar.Clock
}

// NewGate constructs a gate for the named dependency.
func NewGate(name string, cfg GateConfig, throttles store.ThrottleStore, clock scholar.Clock) *Gate {
	cfg = cfg.withDefaults()
	return &Gate{
		name:      name,
		cfg:       cfg,
		throttles: throttles,
		local:     rate.NewLimiter(cfg.LocalRate, 1),
		clock:     clock,
	}
}

// Allow reports whether a request may proceed now. When it returns true the
// shared row has already been advanced by MinInterval, claiming the slot.
func (g *Gate) Allow(ctx context.Context) (bool, error) {
	if !g.local.Allow() {
		return false, nil
	}
	now := g.clock.Now()
	allowed := false
	_, err := g.throttles.ReadModifyWrite(ctx, g.name, func(st store.ThrottleState) (store.ThrottleState, error) {
		if now.Before(st.CooldownUntil) || now.Before(st.NextAllowedAt) {
			return st, nil
		}
		st.Name = g.name
		st.NextAllowedAt = now.Add(g.cfg.MinInterval)
		st.UpdatedAt = now
		allowed = true
		return st, nil
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// TripCooldown opens the shared cooldown after a rate-limit response.
func (g *Gate) TripCooldown(ctx context.Context) error {
	now := g.clock.Now()
	_, err := g.throttles.ReadModifyWrite(ctx, g.name, func(st store.ThrottleState) (store.ThrottleState, error) {
		st.Name = g.name
		st.CooldownUntil = now.Add(g.cfg.Cooldown)
		st.NextAllowedAt = now.Add(g.cfg.Cooldown)
		st.UpdatedAt = now
		return st, nil
	})
	return err
}

// CoolingDown reports whether the shared cooldown is currently active.
func (g *Gate) CoolingDown(ctx context.Context) (bool, time.Time, error) {
	now := g.clock.Now()
	var until time.Time
	_, err := g.throttles.ReadModifyWrite(ctx, g.name, func(st store.ThrottleState) (store.ThrottleState, error) {
		until = st.CooldownUntil
		return st, nil
	})
	if err != nil {
		return false, time.Time{}, err
	}
	return now.Before(until), until, nil
}
