package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

type staticRules struct{ rule *gateway.ErrorRule }

func (s staticRules) MatchErrorRule(string) *gateway.ErrorRule { return s.rule }

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		want   FailureClass
	}{
		{500, FailRetryable5xx},
		{502, FailRetryable5xx},
		{429, FailRetryable429},
		{408, FailNetwork},
		{409, FailNetwork},
		{425, FailNetwork},
		{400, FailClientError},
		{401, FailClientError},
		{404, FailClientError},
	}
	for _, tc := range cases {
		f := ClassifyStatus(tc.status, http.Header{}, nil, nil)
		if f.Class != tc.want {
			t.Fatalf("status %d = %s, want %s", tc.status, f.Class, tc.want)
		}
	}
}

func TestClassifyRetryability(t *testing.T) {
	t.Parallel()
	f := ClassifyStatus(500, http.Header{}, nil, nil)
	if !f.Retryable() || !f.CountsAgainstBreaker() {
		t.Fatal("5xx should retry and count against the breaker")
	}
	f = ClassifyStatus(400, http.Header{}, nil, nil)
	if f.Retryable() || f.CountsAgainstBreaker() {
		t.Fatal("client error should be terminal and breaker-neutral")
	}
	f = &Failure{Class: FailConcurrent}
	if !f.Retryable() || f.CountsAgainstBreaker() {
		t.Fatal("concurrent limit should retry without feeding the breaker")
	}
}

func TestClassifyErrorRuleOverride(t *testing.T) {
	t.Parallel()
	retryable := staticRules{rule: &gateway.ErrorRule{Category: "retryable"}}
	f := ClassifyStatus(400, http.Header{}, []byte("quota exhausted upstream"), retryable)
	if f.Class != FailRetryable5xx {
		t.Fatalf("retryable rule on 400 = %s", f.Class)
	}
	terminal := staticRules{rule: &gateway.ErrorRule{Category: "non_retryable"}}
	f = ClassifyStatus(500, http.Header{}, []byte("billing hard stop"), terminal)
	if f.Class != FailClientError {
		t.Fatalf("non-retryable rule on 500 = %s", f.Class)
	}
}

func TestClassifyRetryAfter(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Retry-After", "3")
	f := ClassifyStatus(429, h, nil, nil)
	if f.RetryAfter != 3*time.Second {
		t.Fatalf("retry-after = %v", f.RetryAfter)
	}
	h.Set("Retry-After", "garbage")
	if f := ClassifyStatus(429, h, nil, nil); f.RetryAfter != 0 {
		t.Fatalf("garbage retry-after = %v", f.RetryAfter)
	}
}

func TestIsHTTP2ProtocolError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("http2: stream closed"), true},
		{fmt.Errorf("stream error: stream ID 5; PROTOCOL_ERROR"), true},
		{fmt.Errorf("server sent GOAWAY and closed the connection"), true},
		{errors.New("dial tcp: connection refused"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}
	for _, tc := range cases {
		if got := IsHTTP2ProtocolError(tc.err); got != tc.want {
			t.Fatalf("IsHTTP2ProtocolError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
