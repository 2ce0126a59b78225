package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
	DefaultMultiplier  = 2.0
)

// Config defines backoff behavior. The zero value is usable; fields are
// normalized to the defaults above.
type Config struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// MaxAttempts bounds consecutive retries; 0 keeps the default.
	MaxAttempts int
	// BackoffMultiplier multiplies the delay per attempt.
	BackoffMultiplier float64
	// JitterRange is the width of the uniform jitter window applied
	// symmetrically around the computed delay.
	JitterRange time.Duration
	// OnMaxAttemptsReached fires once when ScheduleRetry is called with the
	// attempt budget exhausted. Optional.
	OnMaxAttemptsReached func()
}

func (c Config) normalized() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = DefaultMultiplier
	}
	if c.JitterRange < 0 {
		c.JitterRange = 0
	}
	return c
}

// Stats is a point-in-time view of retry bookkeeping.
type Stats struct {
	AttemptCount   int
	MaxAttempts    int
	Remaining      int
	Exhausted      bool
	IsRetrying     bool
	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// timer is the armed-callback handle; satisfied by *time.Timer.
type timer interface {
	Stop() bool
}

// Policy decides whether and after how long to retry. It owns no transport;
// the caller passes its reconnect routine to ScheduleRetry. Safe for
// concurrent use.
type Policy struct {
	mu sync.Mutex

	cfg            Config
	attemptCount   int
	isRetrying     bool
	exhaustedFired bool
	connectedAt    time.Time
	disconnectedAt time.Time
	pending        timer
	pendingDead    *bool

	// test seams
	now       func() time.Time
	randFloat func() float64
	afterFunc func(time.Duration, func()) timer
}

// New builds a policy from cfg with defaults filled in.
func New(cfg Config) *Policy {
	return &Policy{
		cfg:       cfg.normalized(),
		now:       time.Now,
		randFloat: rand.Float64,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// ScheduleRetry arms a single retry timer. It is a no-op while a timer is
// already pending. When the attempt budget is exhausted it fires
// OnMaxAttemptsReached (once per exhaustion) instead of scheduling.
func (p *Policy) ScheduleRetry(onDue func()) {
	p.mu.Lock()
	if p.isRetrying {
		p.mu.Unlock()
		return
	}
	if p.attemptCount >= p.cfg.MaxAttempts {
		fired := p.exhaustedFired
		p.exhaustedFired = true
		cb := p.cfg.OnMaxAttemptsReached
		p.mu.Unlock()
		if !fired && cb != nil {
			cb()
		}
		return
	}
	p.attemptCount++
	p.isRetrying = true
	delay := p.computeDelayLocked()
	// Stop may return false with the callback already launched; the dead
	// flag is the authority, checked under p.mu, so a cancelled timer can
	// never invoke onDue.
	dead := new(bool)
	p.pendingDead = dead
	p.pending = p.afterFunc(delay, func() {
		p.mu.Lock()
		if *dead {
			p.mu.Unlock()
			return
		}
		p.isRetrying = false
		p.pending = nil
		p.pendingDead = nil
		p.mu.Unlock()
		if onDue != nil {
			onDue()
		}
	})
	p.mu.Unlock()
}

// ComputeDelay returns the backoff delay for the current attempt count:
// exponential growth from BaseDelay, capped at MaxDelay, with uniform jitter
// in [-JitterRange/2, +JitterRange/2], floored at zero.
func (p *Policy) ComputeDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.computeDelayLocked()
}

func (p *Policy) computeDelayLocked() time.Duration {
	attempt := p.attemptCount
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.cfg.BaseDelay) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt-1))
	capped := math.Min(exp, float64(p.cfg.MaxDelay))
	if p.cfg.JitterRange > 0 {
		capped += (p.randFloat() - 0.5) * float64(p.cfg.JitterRange)
	}
	if capped < 0 {
		return 0
	}
	return time.Duration(capped)
}

// OnSuccess records a successful connect: attempt counter back to zero,
// pending timer cancelled.
func (p *Policy) OnSuccess() {
	p.mu.Lock()
	p.connectedAt = p.now()
	p.disconnectedAt = time.Time{}
	p.attemptCount = 0
	p.exhaustedFired = false
	p.cancelLocked()
	p.mu.Unlock()
}

// OnDisconnect records the disconnect timestamp. It never schedules; the
// caller decides whether the disconnect warrants a retry.
func (p *Policy) OnDisconnect() {
	p.mu.Lock()
	p.disconnectedAt = p.now()
	p.mu.Unlock()
}

// ForceRetry resets bookkeeping and schedules immediately. Used for manual
// recovery after exhaustion.
func (p *Policy) ForceRetry(onDue func()) {
	p.mu.Lock()
	p.attemptCount = 0
	p.exhaustedFired = false
	p.cancelLocked()
	p.mu.Unlock()
	p.ScheduleRetry(onDue)
}

// Cancel clears any pending timer. Idempotent.
func (p *Policy) Cancel() {
	p.mu.Lock()
	p.cancelLocked()
	p.mu.Unlock()
}

func (p *Policy) cancelLocked() {
	if p.pending != nil {
		p.pending.Stop()
		p.pending = nil
	}
	if p.pendingDead != nil {
		*p.pendingDead = true
		p.pendingDead = nil
	}
	p.isRetrying = false
}

// Reset cancels pending work and zeroes the attempt counter without touching
// the connect timestamps.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attemptCount = 0
	p.exhaustedFired = false
	p.cancelLocked()
	p.mu.Unlock()
}

// Stats returns a snapshot of the retry state.
func (p *Policy) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	remaining := p.cfg.MaxAttempts - p.attemptCount
	if remaining < 0 {
		remaining = 0
	}
	return Stats{
		AttemptCount:   p.attemptCount,
		MaxAttempts:    p.cfg.MaxAttempts,
		Remaining:      remaining,
		Exhausted:      p.attemptCount >= p.cfg.MaxAttempts,
		IsRetrying:     p.isRetrying,
		ConnectedAt:    p.connectedAt,
		DisconnectedAt: p.disconnectedAt,
	}
}

// UpdateConfig swaps the backoff configuration live. Attempt bookkeeping is
// preserved; the new values apply from the next scheduling decision.
func (p *Policy) UpdateConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.normalized()
	p.mu.Unlock()
}

// Config returns the normalized configuration.
func (p *Policy) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}
