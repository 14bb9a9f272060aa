package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/raulk/clock"
	"golang.org/x/time/rate"

	"asyncproc/internal/eventbus"
	"asyncproc/internal/operation"
	"asyncproc/internal/transport"
	logx "asyncproc/pkg/logx"
)

type entry struct {
	op        operation.Operation
	id        string
	label     string
	submitted time.Time
	admitted  time.Time
}

// Scheduler owns the pending queue and the bounded running set.
//
// It is not safe for concurrent use; only Published may be called from other
// goroutines.
type Scheduler struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	clk clock.Clock
	tr  transport.Transport

	host      Host
	installed bool

	pending []*entry
	running []*entry

	ticking       bool
	closed        bool
	closeAfterRun bool

	seq       uint64
	ticks     uint64
	submitted uint64
	admitted  uint64
	finished  uint64
	panicked  uint64
	history   []HistoryItem

	dirty     bool
	published atomic.Pointer[Snapshot]

	backlogWarn rate.Sometimes
}

type Option func(*Scheduler)

// WithHost sets the update loop the tick hook is installed on.
func WithHost(h Host) Option { return func(s *Scheduler) { s.host = h } }

// WithClock overrides the clock (tests use a mock).
func WithClock(c clock.Clock) Option { return func(s *Scheduler) { s.clk = c } }

// WithTransport sets the transport used by Get/Post/Request.
func WithTransport(tr transport.Transport) Option { return func(s *Scheduler) { s.tr = tr } }

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         bus,
		backlogWarn: rate.Sometimes{Interval: 10 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.tr == nil {
		s.tr = transport.NewHTTP(context.Background(), transport.HTTPConfig{})
	}
	s.publish()
	return s
}

// ProcessLimit returns the current running-set bound.
func (s *Scheduler) ProcessLimit() int { return s.cfg.ProcessLimit }

// SetProcessLimit changes the running-set bound from the next tick on.
// Lowering it never evicts running operations; it only pauses promotion.
func (s *Scheduler) SetProcessLimit(n int) {
	if n <= 0 {
		n = DefaultProcessLimit
	}
	if n == s.cfg.ProcessLimit {
		return
	}
	s.log.Info("process limit changed", logx.Int("from", s.cfg.ProcessLimit), logx.Int("to", n))
	s.cfg.ProcessLimit = n
	s.dirty = true
}

// Submit appends op to the pending queue. The first submission installs the
// tick hook on the host. After Shutdown, submissions are dropped.
func (s *Scheduler) Submit(op operation.Operation) {
	if op == nil {
		return
	}
	e := s.newEntry(op)
	if s.closed || s.closeAfterRun {
		s.log.Warn("submission dropped: scheduler shut down", logx.Op(e.id, e.label))
		if d, ok := op.(operation.Disposer); ok {
			d.Dispose()
		}
		return
	}
	if !s.installed {
		s.installed = true
		if s.host != nil {
			s.host.Install(s.Tick)
			s.log.Debug("tick hook installed")
		}
	}

	s.pending = append(s.pending, e)
	s.submitted++
	s.dirty = true
	s.emit(EventSubmitted, e.submitted, OpEvent{ID: e.id, Label: e.label, Submitted: e.submitted})
}

func (s *Scheduler) newEntry(op operation.Operation) *entry {
	s.seq++
	e := &entry{op: op, submitted: s.clk.Now()}
	if l, ok := op.(operation.Labeler); ok {
		e.id, e.label = l.ID(), l.Label()
	}
	if e.id == "" {
		e.id = fmt.Sprintf("op-%d", s.seq)
	}
	if e.label == "" {
		e.label = fmt.Sprintf("%T", op)
	}
	return e
}

// Tick runs one scheduler cycle: at most one promotion, then one poll of every
// running operation. A Tick issued from inside a poll is ignored.
func (s *Scheduler) Tick() {
	if s.ticking {
		s.log.Warn("reentrant tick ignored")
		return
	}
	if s.closed {
		return
	}
	s.ticking = true
	defer func() {
		s.ticking = false
		if s.closeAfterRun {
			s.closeAfterRun = false
			s.shutdown()
		}
		if s.dirty {
			s.publish()
		}
	}()

	s.ticks++
	now := s.clk.Now()

	if len(s.running) < s.cfg.ProcessLimit && len(s.pending) > 0 {
		e := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		e.admitted = now
		s.running = append(s.running, e)
		s.admitted++
		s.dirty = true
		s.log.Debug("operation admitted", logx.Op(e.id, e.label), logx.Int("running", len(s.running)), logx.Int("pending", len(s.pending)))
		s.emit(EventAdmitted, now, OpEvent{ID: e.id, Label: e.label, Submitted: e.submitted, QueueDelay: now.Sub(e.submitted)})
	}

	if s.cfg.BacklogWarn > 0 && len(s.pending) > s.cfg.BacklogWarn {
		pending := len(s.pending)
		s.backlogWarn.Do(func() {
			s.log.Warn("pending backlog", logx.Int("pending", pending), logx.Int("running", len(s.running)), logx.Int("limit", s.cfg.ProcessLimit))
		})
	}

	// Build the next generation in place; finished entries are dropped.
	keep := s.running[:0]
	for _, e := range s.running {
		alive, pan := s.poll(e)
		if alive {
			keep = append(keep, e)
			continue
		}
		s.retire(e, s.clk.Now(), pan)
	}
	clear(s.running[len(keep):])
	s.running = keep
}

// poll calls op.Poll, converting a panic into "finished".
func (s *Scheduler) poll(e *entry) (alive bool, pan any) {
	defer func() {
		if r := recover(); r != nil {
			alive, pan = false, r
			s.log.Error("operation panicked", logx.Op(e.id, e.label), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			if d, ok := e.op.(operation.Disposer); ok {
				func() {
					defer func() { _ = recover() }()
					d.Dispose()
				}()
			}
		}
	}()
	return e.op.Poll(), nil
}

func (s *Scheduler) retire(e *entry, now time.Time, pan any) {
	s.dirty = true
	item := HistoryItem{
		ID:         e.id,
		Label:      e.label,
		Submitted:  e.submitted,
		QueueDelay: e.admitted.Sub(e.submitted),
		Duration:   now.Sub(e.admitted),
	}
	ev := OpEvent{ID: e.id, Label: e.label, Submitted: e.submitted, QueueDelay: item.QueueDelay, Duration: item.Duration}
	if pan != nil {
		s.panicked++
		item.Panicked = true
		ev.Panic = fmt.Sprint(pan)
		s.emit(EventPanicked, now, ev)
	} else {
		s.finished++
		s.log.Debug("operation finished", logx.Op(e.id, e.label), logx.Duration("dur", item.Duration))
		s.emit(EventFinished, now, ev)
	}

	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

// Shutdown disposes every pending and running operation (without firing
// callbacks) and makes later submissions no-ops. Called during a tick, it
// takes effect when the tick returns.
func (s *Scheduler) Shutdown() {
	if s.closed {
		return
	}
	if s.ticking {
		s.closeAfterRun = true
		return
	}
	s.shutdown()
	s.publish()
}

func (s *Scheduler) shutdown() {
	dropped := 0
	for _, list := range [][]*entry{s.running, s.pending} {
		for _, e := range list {
			if d, ok := e.op.(operation.Disposer); ok {
				d.Dispose()
			}
			dropped++
		}
	}
	s.running = nil
	s.pending = nil
	s.closed = true
	s.dirty = true
	s.log.Info("scheduler shut down", logx.Int("dropped", dropped))
}

func (s *Scheduler) emit(typ string, at time.Time, ev OpEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
