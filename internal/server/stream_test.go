package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/upstream"
)

const anthropicStreamBody = `{"model":"claude-3-opus","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hello"}]}`

func TestProxyStreaming(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(_ context.Context, _ *upstream.Request, sink upstream.Sink) (*upstream.Result, error) {
		frames := [][]byte{
			[]byte("event: message_start\ndata: {\"type\":\"message_start\"}\n\n"),
			[]byte("event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"),
		}
		for _, f := range frames {
			if err := sink.Send(f); err != nil {
				return nil, err
			}
		}
		res := okResult("claude-3-opus")
		res.Passthrough = false
		res.Body = nil
		res.BytesToClient = true
		return res, nil
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicStreamBody)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if w.Header().Get("X-Session-Id") == "" {
		t.Error("X-Session-Id not set on stream")
	}
	body := w.Body.String()
	if !strings.Contains(body, "message_start") || !strings.Contains(body, "message_stop") {
		t.Errorf("stream body = %q, want both frames", body)
	}
	if !w.Flushed {
		t.Error("stream frames were not flushed")
	}
}

func TestProxyStreamingEmpty(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(context.Context, *upstream.Request, upstream.Sink) (*upstream.Result, error) {
		res := okResult("claude-3-opus")
		res.Passthrough = false
		res.Body = nil
		return res, nil
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicStreamBody)

	// Headers still go out for an empty stream.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
}

func TestProxyStreamingErrorBeforeFirstFrame(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(context.Context, *upstream.Request, upstream.Sink) (*upstream.Result, error) {
		res := &upstream.Result{Status: http.StatusBadGateway}
		return res, fmt.Errorf("%w: status 502: bad gateway", gateway.ErrUpstream)
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicStreamBody)

	// No frame was delivered, so the error goes out as a regular JSON
	// error response with the upstream status.
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestProxyStreamingErrorAfterDelivery(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.fwd.fn = func(_ context.Context, _ *upstream.Request, sink upstream.Sink) (*upstream.Result, error) {
		if err := sink.Send([]byte("data: {\"type\":\"message_start\"}\n\n")); err != nil {
			return nil, err
		}
		res := &upstream.Result{
			Provider:      &gateway.Provider{ID: "p1", Type: gateway.TypeClaude},
			Status:        http.StatusBadGateway,
			BytesToClient: true,
		}
		return res, fmt.Errorf("%w: stream cut", gateway.ErrUpstream)
	}

	w := doJSON(env.srv, http.MethodPost, "/v1/messages", anthropicStreamBody)

	// The 200 and the partial frame are already committed; the failure
	// lives only in the usage row.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want committed 200", w.Code)
	}
	rec := env.usage.last().Rec
	if rec.StatusCode != http.StatusBadGateway {
		t.Errorf("recorded StatusCode = %d, want 502", rec.StatusCode)
	}
	if rec.ErrorMessage == "" {
		t.Error("ErrorMessage not recorded for aborted stream")
	}
}
