package operation

import (
	"time"

	"github.com/raulk/clock"

	"asyncproc/internal/transport"
)

type fakeHandle struct {
	done     bool
	status   int
	netErr   bool
	msg      string
	body     []byte
	disposed int
	issuedAt time.Time
}

func (h *fakeHandle) Done() bool           { return h.done }
func (h *fakeHandle) StatusCode() int      { return h.status }
func (h *fakeHandle) NetworkError() bool   { return h.netErr }
func (h *fakeHandle) ErrorMessage() string { return h.msg }
func (h *fakeHandle) Body() []byte         { return h.body }
func (h *fakeHandle) Dispose()             { h.disposed++ }
func (h *fakeHandle) Progress() float64 {
	if h.done {
		return 1
	}
	return 0.5
}

// fakeTransport hands out handles built by next (or never-completing ones).
type fakeTransport struct {
	clk    clock.Clock
	next   func(attempt int) *fakeHandle
	issued []*fakeHandle
	reqs   []transport.Request
}

func (t *fakeTransport) Issue(req transport.Request) transport.Handle {
	var h *fakeHandle
	if t.next != nil {
		h = t.next(len(t.issued) + 1)
	}
	if h == nil {
		h = &fakeHandle{}
	}
	if t.clk != nil {
		h.issuedAt = t.clk.Now()
	}
	t.issued = append(t.issued, h)
	t.reqs = append(t.reqs, req)
	return h
}

func ok(body string) *fakeHandle {
	return &fakeHandle{done: true, status: 200, body: []byte(body)}
}
