package history

import (
	"context"
	"time"
)

// Pacing tunes the adaptive delay between page fetches.
type Pacing struct {
	Initial            time.Duration
	Floor              time.Duration
	StaleNonceCooldown time.Duration
	RateLimitGrowth    float64
	FailureGrowth      float64
	Decay              float64
}

// TradePacing and LedgerPacing are the defaults for each endpoint family.
var (
	TradePacing = Pacing{
		Initial:            4 * time.Second,
		Floor:              time.Second,
		StaleNonceCooldown: 30 * time.Second,
		RateLimitGrowth:    1.5,
		FailureGrowth:      2,
		Decay:              0.975,
	}
	LedgerPacing = Pacing{
		Initial:            2 * time.Second,
		Floor:              time.Second,
		StaleNonceCooldown: 30 * time.Second,
		RateLimitGrowth:    1.5,
		FailureGrowth:      2,
		Decay:              0.95,
	}
)

func (p Pacing) withDefaults(fallback Pacing) Pacing {
	if p.Initial <= 0 {
		p.Initial = fallback.Initial
	}
	if p.Floor <= 0 {
		p.Floor = fallback.Floor
	}
	if p.StaleNonceCooldown <= 0 {
		p.StaleNonceCooldown = fallback.StaleNonceCooldown
	}
	if p.RateLimitGrowth <= 1 {
		p.RateLimitGrowth = fallback.RateLimitGrowth
	}
	if p.FailureGrowth <= 1 {
		p.FailureGrowth = fallback.FailureGrowth
	}
	if p.Decay <= 0 || p.Decay >= 1 {
		p.Decay = fallback.Decay
	}
	return p
}

// pacer holds the current delay of one run. Growth is unbounded; decay stops
// at the floor.
type pacer struct {
	cfg   Pacing
	delay time.Duration
}

func newPacer(cfg Pacing) *pacer {
	return &pacer{cfg: cfg, delay: cfg.Initial}
}

func (p *pacer) rateLimited() time.Duration {
	p.delay = scale(p.delay, p.cfg.RateLimitGrowth)
	return p.delay
}

func (p *pacer) failed() time.Duration {
	p.delay = scale(p.delay, p.cfg.FailureGrowth)
	return p.delay
}

func (p *pacer) staleNonce() time.Duration {
	return p.cfg.StaleNonceCooldown
}

func (p *pacer) succeeded() {
	p.delay = scale(p.delay, p.cfg.Decay)
	if p.delay < p.cfg.Floor {
		p.delay = p.cfg.Floor
	}
}

func (p *pacer) current() time.Duration { return p.delay }

func scale(d time.Duration, f float64) time.Duration {
	return time.Duration(float64(d) * f)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
