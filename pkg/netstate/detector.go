package netstate

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/yanun0323/logs"
)

const (
	DefaultProbeInterval = 15 * time.Second
	DefaultProbeTimeout  = 3 * time.Second
	defaultProbeAddr     = "1.1.1.1:443"
)

// Prober answers whether the host currently has connectivity.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// DialProber probes by opening a TCP connection to Addr.
type DialProber struct {
	Addr    string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) bool {
	addr := p.Addr
	if addr == "" {
		addr = defaultProbeAddr
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Option configures a Detector.
type Option struct {
	// Prober performs the connectivity check. Optional; default DialProber.
	Prober Prober
	// ProbeInterval is the delay between checks. Optional; default 15s.
	ProbeInterval time.Duration
}

func (opt *Option) init() {
	if opt.Prober == nil {
		opt.Prober = DialProber{}
	}
	if opt.ProbeInterval <= 0 {
		opt.ProbeInterval = DefaultProbeInterval
	}
}

// Detector bridges host connectivity transitions to a listener set. It holds
// no retry logic; consumers decide what a transition means.
type Detector struct {
	opt Option

	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners map[uint64]func(online bool)
}

// New builds a detector. It reports online until the first probe completes
// (fail-open: a false negative would block legitimate reconnects).
func New(option ...Option) *Detector {
	var opt Option
	if len(option) != 0 {
		opt = option[0]
	}
	opt.init()
	return &Detector{
		opt:       opt,
		online:    true,
		listeners: make(map[uint64]func(online bool)),
	}
}

// AddListener registers cb for connectivity transitions and returns its
// removal handle.
func (d *Detector) AddListener(cb func(online bool)) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners[id] = cb
	d.mu.Unlock()
	return func() { d.removeListener(id) }
}

func (d *Detector) removeListener(id uint64) {
	d.mu.Lock()
	delete(d.listeners, id)
	d.mu.Unlock()
}

// IsOnline reports the last observed connectivity state.
func (d *Detector) IsOnline() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// SetOnline injects a connectivity observation, notifying listeners on
// transition. Probe results are funneled through here; tests and callers with
// out-of-band knowledge may call it directly.
func (d *Detector) SetOnline(online bool) {
	d.mu.Lock()
	changed := d.online != online
	d.online = online
	var listeners []func(online bool)
	if changed {
		listeners = make([]func(online bool), 0, len(d.listeners))
		for _, cb := range d.listeners {
			listeners = append(listeners, cb)
		}
	}
	d.mu.Unlock()

	for _, cb := range listeners {
		d.notify(cb, online)
	}
}

func (d *Detector) notify(cb func(online bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("netstate listener panic: %+v", r)
		}
	}()
	cb(online)
}

// Run probes connectivity until ctx is done. The first probe happens
// immediately.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opt.ProbeInterval)
	defer ticker.Stop()

	d.SetOnline(d.opt.Prober.Probe(ctx))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.SetOnline(d.opt.Prober.Probe(ctx))
		}
	}
}
