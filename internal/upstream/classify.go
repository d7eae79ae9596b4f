package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	gateway "github.com/vantagegw/vantage/internal"
)

// FailureClass drives the retry loop and breaker accounting.
type FailureClass string

const (
	FailRetryable5xx FailureClass = "retryable_5xx"
	FailRetryable429 FailureClass = "retryable_429"
	FailNetwork      FailureClass = "network_or_timeout"
	FailClientError  FailureClass = "client_error_non_retryable"
	FailConcurrent   FailureClass = "concurrent_limit_failed"
)

// Failure is a classified attempt outcome.
type Failure struct {
	Class      FailureClass
	Status     int
	Body       []byte
	Err        error
	RetryAfter time.Duration // from Retry-After on 429, 0 otherwise
}

// Retryable reports whether the retry loop may move to the next candidate.
func (f *Failure) Retryable() bool {
	switch f.Class {
	case FailRetryable5xx, FailRetryable429, FailNetwork, FailConcurrent:
		return true
	}
	return false
}

// CountsAgainstBreaker reports whether the failure feeds the provider
// breaker. Client errors and our own concurrency rejections do not.
func (f *Failure) CountsAgainstBreaker() bool {
	switch f.Class {
	case FailRetryable5xx, FailRetryable429, FailNetwork:
		return true
	}
	return false
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return string(f.Class) + ": " + f.Err.Error()
	}
	return string(f.Class) + ": status " + strconv.Itoa(f.Status)
}

// ErrorRuleMatcher resolves admin-defined error rules against a body.
type ErrorRuleMatcher interface {
	MatchErrorRule(body string) *gateway.ErrorRule
}

// ClassifyStatus classifies a non-2xx upstream response. Admin error
// rules take precedence over the status code.
func ClassifyStatus(status int, header http.Header, body []byte, rules ErrorRuleMatcher) *Failure {
	f := &Failure{Status: status, Body: body}
	if rules != nil {
		if rule := rules.MatchErrorRule(string(body)); rule != nil {
			if rule.Category == "retryable" {
				f.Class = FailRetryable5xx
			} else {
				f.Class = FailClientError
			}
			return f
		}
	}
	switch {
	case status >= 500:
		f.Class = FailRetryable5xx
	case status == http.StatusTooManyRequests:
		f.Class = FailRetryable429
		f.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	case status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusTooEarly:
		f.Class = FailNetwork
	default:
		f.Class = FailClientError
	}
	return f
}

// ClassifyError classifies a transport-level failure.
func ClassifyError(err error) *Failure {
	return &Failure{Class: FailNetwork, Err: err}
}

// IsHTTP2ProtocolError reports whether an error looks like an HTTP/2
// protocol failure worth one same-provider retry on HTTP/1.1. The bundled
// net/http transport surfaces these only as formatted strings.
func IsHTTP2ProtocolError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"http2: ",
		"stream error",
		"PROTOCOL_ERROR",
		"INTERNAL_ERROR",
		"REFUSED_STREAM",
		"ENHANCE_YOUR_CALM",
		"GOAWAY",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
