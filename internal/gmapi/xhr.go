// internal/gmapi/xhr.go
package gmapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAborted is reported when a request is aborted through its handle.
var ErrAborted = errors.New("request aborted")

var loopbackHosts = []string{"localhost", "127.0.0.1", "::1"}

// Request is a GM_xmlhttpRequest details object.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    string            `json:"data,omitempty"`
	// Timeout in milliseconds, zero for none.
	Timeout int `json:"timeout,omitempty"`

	OnLoad  func(Response) `json:"-"`
	OnError func(error)    `json:"-"`
	OnAbort func()         `json:"-"`
}

// Response is the object handed to onload.
type Response struct {
	FinalURL        string `json:"finalUrl"`
	ReadyState      int    `json:"readyState"`
	Status          int    `json:"status"`
	StatusText      string `json:"statusText"`
	ResponseHeaders string `json:"responseHeaders"`
	ResponseText    string `json:"responseText"`
}

// RequestHandle is returned by XMLHttpRequest and can abort it.
type RequestHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	aborted bool
	resp    Response
	err     error
}

// ID identifies the request for remote aborts.
func (h *RequestHandle) ID() string { return h.id }

// Abort cancels the request. It is a no-op once the request has completed.
func (h *RequestHandle) Abort() {
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		return
	default:
	}
	h.aborted = true
	h.mu.Unlock()
	h.cancel()
}

// Wait blocks until the request settles or ctx is done.
func (h *RequestHandle) Wait(ctx context.Context) (Response, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.resp, h.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Done is closed when the request settles.
func (h *RequestHandle) Done() <-chan struct{} { return h.done }

// XMLHttpRequest is GM_xmlhttpRequest. The request runs in the background; its
// callbacks fire from that goroutine.
func (s *Surface) XMLHttpRequest(req Request) *RequestHandle {
	ctx, cancel := context.WithCancel(s.ctx)
	h := &RequestHandle{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}

	target, err := s.resolve(req.URL)
	if err != nil {
		cancel()
		s.finish(h, Response{}, fmt.Errorf("%w: GM_xmlhttpRequest: %v", ErrCapabilityFailure, err), req)
		return h
	}
	s.checkConnect(target)

	s.reqMu.Lock()
	s.requests[h.id] = h
	s.reqMu.Unlock()

	go func() {
		defer cancel()
		if req.Timeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Millisecond)
			defer tcancel()
		}
		resp, err := s.do(ctx, target, req)
		s.reqMu.Lock()
		delete(s.requests, h.id)
		s.reqMu.Unlock()
		s.finish(h, resp, err, req)
	}()
	return h
}

// AbortRequest aborts an in-flight request by id.
func (s *Surface) AbortRequest(id string) bool {
	s.reqMu.Lock()
	h, ok := s.requests[id]
	s.reqMu.Unlock()
	if ok {
		h.Abort()
	}
	return ok
}

func (s *Surface) do(ctx context.Context, target string, req Request) (Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = "GET"
	}
	r := s.xhr.R().SetContext(ctx).SetHeaders(req.Headers)
	if req.Data != "" {
		r.SetBody(req.Data)
	}
	resp, err := r.Execute(method, target)
	if err != nil {
		return Response{}, err
	}

	final := target
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		final = resp.RawResponse.Request.URL.String()
	}
	statusText := resp.Status()
	if i := strings.IndexByte(statusText, ' '); i >= 0 {
		statusText = statusText[i+1:]
	}
	return Response{
		FinalURL:        final,
		ReadyState:      4,
		Status:          resp.StatusCode(),
		StatusText:      statusText,
		ResponseHeaders: formatHeaders(resp.Header()),
		ResponseText:    resp.String(),
	}, nil
}

func (s *Surface) finish(h *RequestHandle, resp Response, err error, req Request) {
	h.mu.Lock()
	aborted := h.aborted
	if aborted {
		err = ErrAborted
	}
	h.resp, h.err = resp, err
	close(h.done)
	h.mu.Unlock()

	switch {
	case aborted:
		if req.OnAbort != nil {
			_ = s.guard("GM_xmlhttpRequest.onabort", func() error { req.OnAbort(); return nil })
		}
	case err != nil:
		s.log.Warn("GM_xmlhttpRequest failed", zap.String("url", req.URL), zap.Error(err))
		if req.OnError != nil {
			_ = s.guard("GM_xmlhttpRequest.onerror", func() error { req.OnError(err); return nil })
		}
	default:
		if req.OnLoad != nil {
			_ = s.guard("GM_xmlhttpRequest.onload", func() error { req.OnLoad(resp); return nil })
		}
	}
}

// resolve makes raw absolute against the target URL.
func (s *Surface) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	base, err := url.Parse(s.env.URL)
	if err != nil || !base.IsAbs() {
		return "", fmt.Errorf("relative url %q without a base", raw)
	}
	return base.ResolveReference(ref).String(), nil
}

// checkConnect warns about hosts outside the @connect allow-set. It never blocks.
func (s *Surface) checkConnect(target string) {
	u, err := url.Parse(target)
	if err != nil {
		return
	}
	host := u.Hostname()
	if !s.allow.allows(host) {
		s.log.Warn("Request to host not declared with @connect",
			zap.String("host", host),
			zap.Strings("allowed", s.allow.hosts))
	}
}

type allowSet struct {
	declared bool
	any      bool
	hosts    []string
}

func newAllowSet(connects []string, navURL string) *allowSet {
	a := &allowSet{declared: len(connects) > 0}
	var self string
	if u, err := url.Parse(navURL); err == nil {
		self = strings.ToLower(u.Hostname())
	}
	for _, c := range connects {
		c = strings.ToLower(strings.TrimSpace(c))
		switch c {
		case "":
		case "*":
			a.any = true
		case "self":
			if self != "" {
				a.hosts = append(a.hosts, self)
			}
		default:
			a.hosts = append(a.hosts, c)
		}
	}
	if self != "" {
		a.hosts = append(a.hosts, self)
	}
	a.hosts = append(a.hosts, loopbackHosts...)
	return a
}

func (a *allowSet) allows(host string) bool {
	if !a.declared || a.any {
		return true
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	for _, h := range a.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func formatHeaders(h map[string][]string) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range h[k] {
			b.WriteString(strings.ToLower(k))
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}
