package ratelimit

import "fmt"

// EndpointLimits holds endpoint-specific rate limit settings
type EndpointLimits struct {
	PerSecond     int
	PerMinute     int
	Burst         int
	DefaultWeight int
}

// VenueLimits holds the global limits for a venue plus per-endpoint overrides
type VenueLimits struct {
	PerSecond int
	PerMinute int
	Burst     int
	Endpoints map[string]*EndpointLimits
}

// Config holds rate limiter configuration
type Config struct {
	Venues map[string]*VenueLimits

	// MirrorToKV enables shadowing windows into the KV store. Shadow
	// writes are throttled to MirrorPerSec so KV contention can never
	// stall admission.
	MirrorToKV   bool
	MirrorPerSec float64
}

// DefaultVenueLimits is the conservative fallback for unknown venues
func DefaultVenueLimits() *VenueLimits {
	return &VenueLimits{
		PerSecond: 5,
		PerMinute: 300,
		Burst:     10,
	}
}

// Validate checks limit values and fills defaults
func (c *Config) Validate() error {
	for venue, vl := range c.Venues {
		if vl == nil {
			return fmt.Errorf("venue %q has nil limits", venue)
		}
		if vl.PerSecond <= 0 || vl.PerMinute <= 0 {
			return fmt.Errorf("venue %q has non-positive limits", venue)
		}
		if vl.Burst <= 0 {
			vl.Burst = vl.PerSecond
		}
		for endpoint, el := range vl.Endpoints {
			if el == nil {
				return fmt.Errorf("venue %q endpoint %q has nil limits", venue, endpoint)
			}
			if el.PerSecond <= 0 || el.PerMinute <= 0 {
				return fmt.Errorf("venue %q endpoint %q has non-positive limits", venue, endpoint)
			}
			if el.Burst <= 0 {
				el.Burst = el.PerSecond
			}
			if el.DefaultWeight <= 0 {
				el.DefaultWeight = 1
			}
		}
	}
	if c.MirrorPerSec <= 0 {
		c.MirrorPerSec = 100
	}
	return nil
}
