// Package forwarder issues the upstream HTTP call: buffering or streaming
// the request body, enforcing connect/total/idle deadlines, and propagating
// client cancellation.
package forwarder

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/relaypool/relaypool/internal/errs"
)

// DefaultBufferThreshold is the content-length cutoff below which a request body is
// buffered once so it can be replayed across failover attempts.
const DefaultBufferThreshold = 1 << 20 // 1 MiB

// Request is the input to Forward.
type Request struct {
	Method  string
	URL     string
	Headers http.Header

	// Body is the already-buffered body when Buffered is true, or the raw
	// inbound reader otherwise.
	Body     []byte
	BodyR    io.Reader
	Buffered bool
}

// Forwarder issues one upstream call per SPEC_FULL.md §4.6.
type Forwarder struct {
	totalTimeout  time.Duration
	connectDeadline time.Duration
	idleTimeout   time.Duration
}

// New builds a Forwarder.
func New(totalTimeout, connectDeadline, idleTimeout time.Duration) *Forwarder {
	return &Forwarder{
		totalTimeout:    totalTimeout,
		connectDeadline: connectDeadline,
		idleTimeout:     idleTimeout,
	}
}

// Forward issues the request using client, honoring ctx cancellation and the
// configured deadlines. The caller is responsible for closing resp.Body.
func (f *Forwarder) Forward(parent context.Context, client *http.Client, r Request) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(parent, f.totalTimeout)
	// cancel is intentionally not deferred here: on success it is threaded
	// through a wrapped body closer instead, released once the caller fully
	// drains and closes the response body.
	ctx, stopConnectWatchdog := withConnectDeadline(ctx, cancel, f.connectDeadline)

	var body io.Reader
	if r.Buffered {
		body = bytes.NewReader(r.Body)
	} else {
		body = r.BodyR
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		cancel()
		return nil, &errs.UpstreamError{Err: err}
	}
	req.Header = r.Headers

	resp, err := client.Do(req)
	stopConnectWatchdog()
	if err != nil {
		cancel()
		if parent.Err() != nil {
			return nil, &errs.ClientDisconnect{}
		}
		return nil, &errs.UpstreamError{Err: err}
	}

	respBody := resp.Body
	if f.idleTimeout > 0 && !isStreamingContentType(resp.Header.Get("Content-Type")) {
		respBody = newIdleTimeoutBody(respBody, cancel, f.idleTimeout)
	}
	resp.Body = &cancelOnCloseBody{ReadCloser: respBody, cancel: cancel}
	return resp, nil
}

// withConnectDeadline arms a watchdog that cancels ctx if the outbound
// connection isn't established within deadline, bounding dial+handshake time
// independent of the total deadline. The returned stop func must be called
// once the round trip is resolved, successfully or not.
func withConnectDeadline(ctx context.Context, cancel context.CancelFunc, deadline time.Duration) (context.Context, func()) {
	if deadline <= 0 {
		return ctx, func() {}
	}
	timer := time.AfterFunc(deadline, cancel)
	trace := &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { timer.Stop() },
	}
	return httptrace.WithClientTrace(ctx, trace), func() { timer.Stop() }
}

func isStreamingContentType(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

// idleTimeoutBody aborts the request if no bytes arrive for timeout, reset on
// every successful Read. Only wrapped around non-streaming responses; a
// streaming response has no idle bound per SPEC_FULL.md §4.6.
type idleTimeoutBody struct {
	io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutBody(rc io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) *idleTimeoutBody {
	return &idleTimeoutBody{ReadCloser: rc, timeout: timeout, timer: time.AfterFunc(timeout, cancel)}
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.timer.Reset(b.timeout)
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}

// cancelOnCloseBody releases the per-request timeout context once the
// response body is fully drained and closed by the caller.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

// Replayable reports whether a buffered request body can be resent on a
// failover attempt. Streamed (non-buffered) bodies commit to no failover
// after the first byte is sent.
func (r Request) Replayable() bool {
	return r.Buffered
}
