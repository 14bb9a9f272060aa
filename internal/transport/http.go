package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// HTTPConfig configures the net/http backed transport.
type HTTPConfig struct {
	// Client defaults to a client without a global timeout; per-attempt
	// timeouts are enforced by the operation, not by the client.
	Client *http.Client

	UserAgent string

	// MaxBodyBytes caps the response body. 0 means 8 MiB.
	MaxBodyBytes int64
}

const defaultMaxBodyBytes = 8 << 20

// HTTP issues each request on its own goroutine and exposes the outcome
// through a pollable Handle.
type HTTP struct {
	ctx context.Context
	cfg HTTPConfig

	inflight atomic.Int64
}

// NewHTTP returns a transport whose requests are canceled when ctx is done.
func NewHTTP(ctx context.Context, cfg HTTPConfig) *HTTP {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &HTTP{ctx: ctx, cfg: cfg}
}

// InFlight reports the number of issued requests whose goroutine has not finished.
func (t *HTTP) InFlight() int { return int(t.inflight.Load()) }

func (t *HTTP) Issue(req Request) Handle {
	ctx, cancel := context.WithCancel(t.ctx)
	h := &httpHandle{cancel: cancel, done: make(chan struct{})}
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Add(-1)
		defer close(h.done)
		h.run(ctx, t.cfg, req)
	}()
	return h
}

type httpHandle struct {
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	// Written by run before done is closed; read only after Done() is true.
	status int
	netErr bool
	errMsg string
	body   []byte

	read  atomic.Int64
	total atomic.Int64
}

func (h *httpHandle) run(ctx context.Context, cfg HTTPConfig, req Request) {
	method := req.EffectiveMethod()
	var body io.Reader
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		h.netErr = true
		h.errMsg = err.Error()
		return
	}
	if req.Form != nil {
		hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if cfg.UserAgent != "" {
		hr.Header.Set("User-Agent", cfg.UserAgent)
	}
	for k, v := range req.Header {
		hr.Header.Set(k, v)
	}

	resp, err := cfg.Client.Do(hr)
	if err != nil {
		h.netErr = true
		h.errMsg = errorText(err)
		return
	}
	defer resp.Body.Close()

	if resp.ContentLength > 0 {
		h.total.Store(resp.ContentLength)
	}
	b, err := io.ReadAll(&countingReader{r: io.LimitReader(resp.Body, cfg.MaxBodyBytes+1), n: &h.read})
	h.status = resp.StatusCode
	if err != nil {
		h.netErr = true
		h.errMsg = errorText(err)
		return
	}
	if int64(len(b)) > cfg.MaxBodyBytes {
		h.netErr = true
		h.errMsg = fmt.Sprintf("response body exceeds %d bytes", cfg.MaxBodyBytes)
		return
	}
	if b == nil {
		b = []byte{}
	}
	h.body = b
	if resp.StatusCode != http.StatusOK {
		h.errMsg = "HTTP " + resp.Status
	}
}

func errorText(err error) string {
	if errors.Is(err, context.Canceled) {
		return "request aborted"
	}
	return err.Error()
}

func (h *httpHandle) Done() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *httpHandle) StatusCode() int {
	if !h.Done() {
		return 0
	}
	return h.status
}

func (h *httpHandle) NetworkError() bool {
	if !h.Done() {
		return false
	}
	return h.netErr
}

func (h *httpHandle) ErrorMessage() string {
	if !h.Done() {
		return ""
	}
	return h.errMsg
}

func (h *httpHandle) Body() []byte {
	if !h.Done() {
		return nil
	}
	return h.body
}

func (h *httpHandle) Progress() float64 {
	if h.Done() {
		return 1
	}
	total := h.total.Load()
	if total <= 0 {
		return 0
	}
	p := float64(h.read.Load()) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

func (h *httpHandle) Dispose() {
	h.once.Do(h.cancel)
}

type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
