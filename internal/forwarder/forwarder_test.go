package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaypool/relaypool/internal/errs"
)

func TestForwardBufferedRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer upstream.Close()

	f := New(5*time.Second, time.Second, 5*time.Second)
	resp, err := f.Forward(context.Background(), upstream.Client(), Request{
		Method:   http.MethodPost,
		URL:      upstream.URL,
		Headers:  http.Header{},
		Body:     []byte("hello"),
		Buffered: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	if string(got) != "hello" {
		t.Fatalf("expected echoed body, got %q", got)
	}
}

func TestForwardStreamedRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(w, r.Body)
	}))
	defer upstream.Close()

	f := New(5*time.Second, time.Second, 5*time.Second)
	resp, err := f.Forward(context.Background(), upstream.Client(), Request{
		Method:  http.MethodPost,
		URL:     upstream.URL,
		Headers: http.Header{},
		BodyR:   strings.NewReader("streamed"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	got, _ := io.ReadAll(resp.Body)
	if string(got) != "streamed" {
		t.Fatalf("expected echoed stream, got %q", got)
	}
}

func TestForwardTotalTimeoutSurfacesUpstreamError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer upstream.Close()

	f := New(5*time.Millisecond, time.Second, time.Second)
	_, err := f.Forward(context.Background(), upstream.Client(), Request{
		Method: http.MethodGet, URL: upstream.URL, Headers: http.Header{}, Buffered: true,
	})
	var upstreamErr *errs.UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected a timeout to surface as UpstreamError, got %v", err)
	}
}

func TestForwardClientDisconnectDistinctFromTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer upstream.Close()

	parent, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(5*time.Second, time.Second, time.Second)
	_, err := f.Forward(parent, upstream.Client(), Request{
		Method: http.MethodGet, URL: upstream.URL, Headers: http.Header{}, Buffered: true,
	})
	var disconnect *errs.ClientDisconnect
	if !errors.As(err, &disconnect) {
		t.Fatalf("expected ClientDisconnect for a pre-cancelled parent context, got %v", err)
	}
}

func TestForwardIdleTimeoutAbortsStalledNonStreamingBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte("rest"))
	}))
	defer upstream.Close()

	f := New(5*time.Second, time.Second, 20*time.Millisecond)
	resp, err := f.Forward(context.Background(), upstream.Client(), Request{
		Method: http.MethodGet, URL: upstream.URL, Headers: http.Header{}, Buffered: true,
	})
	if err != nil {
		t.Fatalf("unexpected error on initial response: %v", err)
	}
	defer resp.Body.Close()

	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Fatalf("expected the idle timeout to abort the stalled read")
	}
}

func TestForwardIdleTimeoutDoesNotApplyToStreamingResponses(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: partial\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(60 * time.Millisecond)
		w.Write([]byte("data: rest\n\n"))
	}))
	defer upstream.Close()

	f := New(5*time.Second, time.Second, 20*time.Millisecond)
	resp, err := f.Forward(context.Background(), upstream.Client(), Request{
		Method: http.MethodGet, URL: upstream.URL, Headers: http.Header{}, Buffered: true,
	})
	if err != nil {
		t.Fatalf("unexpected error on initial response: %v", err)
	}
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("expected a streaming response to tolerate the stall, got: %v", err)
	}
	if !strings.Contains(string(got), "data: rest") {
		t.Fatalf("expected the full stream to be read, got %q", got)
	}
}

func TestRequestReplayable(t *testing.T) {
	if !(Request{Buffered: true}).Replayable() {
		t.Fatalf("buffered request should be replayable")
	}
	if (Request{Buffered: false}).Replayable() {
		t.Fatalf("streamed request should not be replayable")
	}
}
