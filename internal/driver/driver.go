// Package driver is the host update loop: a single goroutine that runs posted
// work and installed per-cycle hooks on every clock tick.
package driver

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/raulk/clock"

	logx "asyncproc/pkg/logx"
)

const DefaultInterval = 100 * time.Millisecond

var ErrRunning = errors.New("driver: already running")

// Loop drives hooks at a fixed interval.
//
// Install, Cycle and hooks belong to the loop goroutine. Post is the only
// method safe to call from other goroutines.
type Loop struct {
	clk      clock.Clock
	interval time.Duration
	log      logx.Logger

	hooks   []func()
	cycling bool
	cycles  uint64

	mu      sync.Mutex
	posted  []func()
	running bool
}

func New(clk clock.Clock, interval time.Duration, log logx.Logger) *Loop {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Loop{clk: clk, interval: interval, log: log}
}

// Install registers hook to run once per cycle, after posted work.
func (l *Loop) Install(hook func()) {
	if hook == nil {
		return
	}
	l.hooks = append(l.hooks, hook)
}

// Post queues fn to run on the loop goroutine at the start of the next cycle.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
}

// Cycles reports how many cycles have run. Loop goroutine only.
func (l *Loop) Cycles() uint64 { return l.cycles }

// Cycle runs posted work, then every hook once. A nested call is ignored.
func (l *Loop) Cycle() {
	if l.cycling {
		return
	}
	l.cycling = true
	defer func() { l.cycling = false }()
	l.cycles++

	l.mu.Lock()
	work := l.posted
	l.posted = nil
	l.mu.Unlock()

	// Work posted from inside a cycle runs on the next one.
	for _, fn := range work {
		l.safe("posted", fn)
	}

	for _, h := range l.hooks {
		l.safe("hook", h)
	}
}

func (l *Loop) safe(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("driver "+kind+" panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn()
}

// Run calls Cycle on every tick until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrRunning
	}
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	t := l.clk.Ticker(l.interval)
	defer t.Stop()

	l.log.Info("driver loop started", logx.Duration("interval", l.interval))
	defer l.log.Info("driver loop stopped", logx.Uint64("cycles", l.cycles))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			l.Cycle()
		}
	}
}
