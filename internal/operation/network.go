package operation

import (
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raulk/clock"

	"asyncproc/internal/eventbus"
	"asyncproc/internal/transport"
	logx "asyncproc/pkg/logx"
)

const (
	DefaultRetryCount     = 5
	DefaultRetryWait      = 60 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

const (
	EventRequestSent     = "request.sent"
	EventRequestRetry    = "request.retry"
	EventRequestFinished = "request.finished"
)

// NetworkOptions controls timeout and retry behavior of a Network operation.
type NetworkOptions struct {
	// RetryCount is the number of retries after the first attempt.
	// 0 uses DefaultRetryCount; a negative value disables retries.
	RetryCount int

	// RetryWait is the cooldown before each retry.
	RetryWait time.Duration
	// RetryMaxWait > RetryWait makes the cooldown grow by RetryBackoffFactor
	// per retry, capped at RetryMaxWait. Otherwise the cooldown is constant.
	RetryMaxWait       time.Duration
	RetryBackoffFactor float64

	// RequestTimeout bounds each attempt, measured from its send.
	RequestTimeout time.Duration

	Clock clock.Clock
	Log   logx.Logger
	Bus   eventbus.Bus
}

func (o NetworkOptions) withDefaults() NetworkOptions {
	switch {
	case o.RetryCount == 0:
		o.RetryCount = DefaultRetryCount
	case o.RetryCount < 0:
		o.RetryCount = 0
	}
	if o.RetryWait <= 0 {
		o.RetryWait = DefaultRetryWait
	}
	if o.RetryMaxWait < o.RetryWait {
		o.RetryMaxWait = o.RetryWait
	}
	if o.RetryBackoffFactor <= 1 {
		o.RetryBackoffFactor = 2
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}

// Response is what a Network operation reports to its callback.
//
// Body is nil when the request gave up. Error carries the last transport
// error text; it is never empty when Success is false.
type Response struct {
	Body       []byte
	Error      string
	Err        error
	StatusCode int
	Attempts   int
	Success    bool
}

// RequestEvent is published on the bus for request lifecycle events.
type RequestEvent struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code,omitempty"`
	Delay      time.Duration `json:"delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

type errorState int

const (
	errNone errorState = iota
	errTimedOut
	errFailed
)

func (s errorState) String() string {
	switch s {
	case errTimedOut:
		return "timed_out"
	case errFailed:
		return "failed"
	default:
		return "none"
	}
}

// Network runs one HTTP exchange: send, await, classify, then either finish
// or cool down and resend with a fresh handle.
type Network struct {
	id     string
	label  string
	req    transport.Request
	tr     transport.Transport
	onDone func(Response)
	opt    NetworkOptions
	wait   backoff.Backoff

	handle transport.Handle

	sent       bool
	sendTime   time.Time
	firstSend  time.Time
	errState   errorState
	lastErr    error
	retryCount int
	attempts   int

	waiting      bool
	retryStarted time.Time
	retryDelay   time.Duration

	finished bool
}

// NewNetwork prepares a request operation. Nothing is sent until the first Poll.
func NewNetwork(req transport.Request, onFinished func(Response), tr transport.Transport, opt NetworkOptions) *Network {
	opt = opt.withDefaults()
	return &Network{
		id:     newID("net"),
		label:  req.EffectiveMethod() + " " + req.URL,
		req:    req,
		tr:     tr,
		onDone: onFinished,
		opt:    opt,
		wait: backoff.Backoff{
			Min:    opt.RetryWait,
			Max:    opt.RetryMaxWait,
			Factor: opt.RetryBackoffFactor,
		},
	}
}

func (n *Network) ID() string    { return n.id }
func (n *Network) Label() string { return n.label }

// Attempts reports how many times the request has been issued.
func (n *Network) Attempts() int { return n.attempts }

// Finished reports whether the callback has fired (or the operation was disposed).
func (n *Network) Finished() bool { return n.finished }

// Progress reports the current attempt's transfer progress in [0,1].
func (n *Network) Progress() float64 {
	if n.finished {
		return 1
	}
	if n.handle == nil {
		return 0
	}
	return n.handle.Progress()
}

func (n *Network) Poll() bool {
	if n.finished {
		return false
	}
	if !n.sent {
		n.send()
	}

	now := n.opt.Clock.Now()

	if n.waiting {
		if now.Sub(n.retryStarted) < n.retryDelay {
			return true
		}
		n.waiting = false
		n.send()
		return true
	}

	if !n.handle.Done() && n.errState == errNone {
		if now.Sub(n.sendTime) < n.opt.RequestTimeout {
			return true
		}
		n.errState = errTimedOut
		n.lastErr = &AttemptError{Kind: ErrTimeout}
	}

	if n.errState == errNone && (n.handle.NetworkError() || n.handle.StatusCode() != http.StatusOK) {
		n.errState = errFailed
		n.lastErr = &AttemptError{Kind: ErrTransport, StatusCode: n.handle.StatusCode(), Message: n.handle.ErrorMessage()}
	}

	if n.errState != errNone {
		n.opt.Log.Debug("request attempt failed",
			logx.String("op", n.id),
			logx.String("url", n.req.URL),
			logx.Int("status", n.handle.StatusCode()),
			logx.String("state", n.errState.String()),
			logx.Any("err", n.lastErr),
			logx.Int("retry", n.retryCount),
		)
		if n.retry(now) {
			return true
		}
		n.finish(now, false)
		return false
	}

	n.finish(now, true)
	return false
}

// Dispose releases the current handle without firing the callback.
func (n *Network) Dispose() {
	if n.handle != nil {
		n.handle.Dispose()
		n.handle = nil
	}
	n.finished = true
}

func (n *Network) send() {
	now := n.opt.Clock.Now()
	n.errState = errNone
	n.sent = true
	n.sendTime = now
	if n.attempts == 0 {
		n.firstSend = now
	}
	n.attempts++
	n.handle = n.tr.Issue(n.req)

	if n.opt.Bus != nil {
		n.opt.Bus.Publish(eventbus.Event{Type: EventRequestSent, Time: now, Data: RequestEvent{ID: n.id, Label: n.label, Attempt: n.attempts}})
	}
}

// retry arms the next attempt. It returns false once retries are exhausted;
// the failed handle is then kept so finish can report and dispose it.
func (n *Network) retry(now time.Time) bool {
	n.retryCount++
	if n.retryCount > n.opt.RetryCount {
		return false
	}
	n.handle.Dispose()
	n.handle = nil
	n.waiting = true
	n.retryStarted = now
	n.retryDelay = n.wait.ForAttempt(float64(n.retryCount - 1))

	n.opt.Log.Debug("request retry scheduled",
		logx.String("op", n.id),
		logx.Int("attempt", n.attempts+1),
		logx.Duration("delay", n.retryDelay),
	)
	if n.opt.Bus != nil {
		n.opt.Bus.Publish(eventbus.Event{Type: EventRequestRetry, Time: now, Data: RequestEvent{
			ID: n.id, Label: n.label, Attempt: n.attempts, Delay: n.retryDelay, Error: errString(n.lastErr),
		}})
	}
	return true
}

func (n *Network) finish(now time.Time, ok bool) {
	n.finished = true
	h := n.handle
	n.handle = nil
	defer h.Dispose()

	res := Response{
		StatusCode: h.StatusCode(),
		Attempts:   n.attempts,
		Success:    ok,
		Error:      h.ErrorMessage(),
	}
	if ok {
		res.Body = h.Body()
		n.opt.Log.Debug("request finished",
			logx.String("op", n.id),
			logx.String("url", n.req.URL),
			logx.Int("attempts", n.attempts),
			logx.Bytes("size", len(res.Body)),
		)
	} else {
		res.Err = exhausted(n.lastErr, n.attempts)
		if res.Error == "" {
			res.Error = errString(n.lastErr)
		}
		n.opt.Log.Warn("request gave up",
			logx.String("op", n.id),
			logx.String("url", n.req.URL),
			logx.Int("attempts", n.attempts),
			logx.String("err", res.Error),
		)
	}

	if n.opt.Bus != nil {
		n.opt.Bus.Publish(eventbus.Event{Type: EventRequestFinished, Time: now, Data: RequestEvent{
			ID: n.id, Label: n.label, Attempt: n.attempts, StatusCode: res.StatusCode,
			Duration: now.Sub(n.firstSend), Success: ok, Error: res.Error,
		}})
	}

	if n.onDone != nil {
		n.onDone(res)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
