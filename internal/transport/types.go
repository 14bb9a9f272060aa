package transport

import (
	"net/http"
	"net/url"
	"strings"
)

// Request describes one HTTP exchange. It is reused verbatim on every retry.
//
// A nil Form means GET (unless Method says otherwise); a non-nil Form is sent
// as an application/x-www-form-urlencoded POST body.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	Form   url.Values
}

// EffectiveMethod returns the HTTP method the request will be issued with.
func (r Request) EffectiveMethod() string {
	if m := strings.ToUpper(strings.TrimSpace(r.Method)); m != "" {
		return m
	}
	if r.Form != nil {
		return http.MethodPost
	}
	return http.MethodGet
}

// Handle is one in-flight attempt. Handles are single-use: a retry issues a new one.
//
// All accessors are non-blocking. Before Done reports true, StatusCode is 0 and
// Body is nil.
type Handle interface {
	Done() bool
	StatusCode() int
	NetworkError() bool
	ErrorMessage() string
	Body() []byte
	// Progress is in [0,1]; 1 once Done.
	Progress() float64
	// Dispose releases the handle and aborts it if still in flight. Idempotent.
	Dispose()
}

// Transport issues requests without blocking the caller.
type Transport interface {
	Issue(req Request) Handle
}
