package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	gateway "github.com/vantagegw/vantage/internal"
	"github.com/vantagegw/vantage/internal/breaker"
	"github.com/vantagegw/vantage/internal/dialect"
	"github.com/vantagegw/vantage/internal/rectify"
	"github.com/vantagegw/vantage/internal/selector"
	"github.com/vantagegw/vantage/internal/session"
)

const (
	defaultFirstByteTimeout = 30 * time.Second
	maxErrorBodySize        = 1 << 20
	maxRetryAfterWait       = 5 * time.Second
)

// RuleApplier is the slice of the rule engine the forwarder needs: error
// rule matching during failure classification, plus the provider-bound
// request filters that can only run once a candidate is chosen.
type RuleApplier interface {
	ErrorRuleMatcher
	ApplyProviderFilters(providerID string, header http.Header, body []byte) []byte
}

// Sink receives complete SSE frames in arrival order, flushed per frame.
type Sink interface {
	Send(frame []byte) error
}

// Request is one admitted proxy request ready for dispatch.
type Request struct {
	ID        string
	Req       *gateway.ProxyRequest
	Identity  *gateway.Identity
	SessionID string
	CacheTTL  string // key's anthropic cache ttl preference
}

// Result is the attempt outcome handed to the usage finaliser. On error
// returns it still carries the chain and any usage observed so far.
type Result struct {
	Provider      *gateway.Provider
	Status        int
	Model         string // model sent upstream after redirects
	Usage         gateway.Usage
	TTFBMs        int64
	Chain         []gateway.ProviderChainItem
	Special       []gateway.SpecialSetting
	Passthrough   bool
	Completion    *gateway.Completion // non-streaming, translated path
	Body          []byte              // non-streaming, passthrough path (rectified)
	BytesToClient bool
}

// Forwarder runs the per-request retry loop: select a candidate, translate,
// dispatch, stream, classify, move on.
type Forwarder struct {
	transports *Transports
	resolver   *selector.Resolver
	breakers   *breaker.Store
	vendors    *breaker.VendorStore
	tracker    *session.Tracker
	rules      RuleApplier
	rect       *rectify.Rectifier
	logger     *slog.Logger

	// CodexInstructions is the official instructions text substituted by
	// force_official providers. CodexInstructionsInjection is the legacy
	// global toggle, honoured only when a provider sets no strategy.
	CodexInstructions          string
	CodexInstructionsInjection bool

	// Global timeout fallbacks, applied when a provider leaves the
	// corresponding per-provider timeout unset.
	FirstByteTimeout time.Duration // streaming first byte; 0 means the 30s default
	IdleTimeout      time.Duration // streaming idle gap; 0 disables
	RequestTimeout   time.Duration // non-streaming total; 0 disables
}

// NewForwarder wires a Forwarder.
func NewForwarder(transports *Transports, resolver *selector.Resolver, breakers *breaker.Store, vendors *breaker.VendorStore, tracker *session.Tracker, rules RuleApplier, rect *rectify.Rectifier, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		transports: transports,
		resolver:   resolver,
		breakers:   breakers,
		vendors:    vendors,
		tracker:    tracker,
		rules:      rules,
		rect:       rect,
		logger:     logger,
	}
}

// Forward dispatches the request, retrying across candidates on retryable
// failures. sink is nil for non-streaming requests. The returned Result is
// non-nil even on error so the finaliser can persist the chain.
func (f *Forwarder) Forward(ctx context.Context, req *Request, sink Sink) (*Result, error) {
	res := &Result{Model: req.Req.Model}
	var tried []string
	var lastFail *Failure
	maxAttempts := 0

	for {
		sel, err := f.resolver.Resolve(ctx, selector.Input{
			Model:     req.Req.Model,
			Identity:  req.Identity,
			SessionID: req.SessionID,
			Tried:     tried,
		})
		if err != nil {
			if errors.Is(err, gateway.ErrNoProvider) && lastFail != nil {
				return res, f.terminal(res, lastFail)
			}
			return res, err
		}
		p := sel.Provider
		if maxAttempts == 0 {
			maxAttempts = p.MaxAttempts()
		}
		res.Chain = append(res.Chain, selector.ChainItem(p, sel.Reason, ""))

		fail := f.attemptWithFallbacks(ctx, p, req, sink, res)
		if fail == nil {
			res.Provider = p
			res.Chain = append(res.Chain, selector.ChainItem(p, gateway.ReasonRequestSuccess, ""))
			f.breakers.RecordSuccess(ctx, p)
			if req.SessionID != "" {
				if err := f.tracker.SetStickyProvider(ctx, req.SessionID, p.ID); err != nil {
					f.logger.LogAttrs(ctx, slog.LevelWarn, "sticky provider update failed",
						slog.String("session_id", req.SessionID), slog.String("error", err.Error()))
				}
			}
			return res, nil
		}

		res.Provider = p
		if ctx.Err() != nil {
			// Client went away or the request was terminated; not an
			// upstream failure.
			res.Chain = append(res.Chain, selector.ChainItem(p, gateway.ReasonSystemError, "canceled"))
			return res, ctx.Err()
		}
		if fail.CountsAgainstBreaker() {
			f.breakers.RecordFailure(ctx, p)
			if p.VendorID != "" {
				// The blackout needs every sibling of the vendor+type
				// failing, so pass the live sibling count.
				n := f.resolver.VendorTypeCount(ctx, p.VendorID, p.Type)
				if n < 1 {
					n = 1
				}
				f.vendors.RecordEndpointFailure(ctx, p.VendorID, p.Type, n)
			}
		}
		f.logger.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed",
			slog.String("request_id", req.ID),
			slog.String("provider", p.ID),
			slog.String("class", string(fail.Class)),
			slog.Int("status", fail.Status))

		if !fail.Retryable() {
			res.Chain = append(res.Chain, selector.ChainItem(p, gateway.ReasonClientErrorTerminal, string(fail.Class)))
			return res, f.terminal(res, fail)
		}
		if res.BytesToClient {
			// The client already saw part of a response; switching
			// providers now would corrupt the stream.
			res.Chain = append(res.Chain, selector.ChainItem(p, gateway.ReasonRetryFailed, "bytes delivered"))
			return res, f.terminal(res, fail)
		}
		res.Chain = append(res.Chain, selector.ChainItem(p, gateway.ReasonRetryFailed, string(fail.Class)))
		lastFail = fail
		tried = append(tried, p.ID)
		if len(tried) >= maxAttempts {
			return res, f.terminal(res, fail)
		}
		if fail.RetryAfter > 0 {
			wait := min(fail.RetryAfter, maxRetryAfterWait)
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// terminal wraps the last classified failure for the response handler.
func (f *Forwarder) terminal(res *Result, fail *Failure) error {
	if fail.Status > 0 {
		res.Status = fail.Status
	}
	return fmt.Errorf("%w: %s", gateway.ErrUpstream, fail.Error())
}

// attemptWithFallbacks runs one provider attempt plus its same-provider
// fallback retries: HTTP/1.1 after an HTTP/2 protocol error, and a direct
// connection after a proxy failure.
func (f *Forwarder) attemptWithFallbacks(ctx context.Context, p *gateway.Provider, req *Request, sink Sink, res *Result) *Failure {
	fail := f.attempt(ctx, p, req, sink, res, false, false)
	if fail == nil || ctx.Err() != nil || res.BytesToClient {
		return fail
	}
	if fail.Class == FailNetwork && IsHTTP2ProtocolError(fail.Err) {
		res.Chain = append(res.Chain, selector.ChainItem(p, gateway.ReasonHTTP2Fallback, ""))
		fail = f.attempt(ctx, p, req, sink, res, true, false)
		if fail == nil || ctx.Err() != nil || res.BytesToClient {
			return fail
		}
	}
	if fail.Class == FailNetwork && p.ProxyURL != "" && p.ProxyFallback {
		res.Chain = append(res.Chain, selector.ChainItem(p, gateway.ReasonRetryFailed, "proxy fallback to direct"))
		fail = f.attempt(ctx, p, req, sink, res, false, true)
	}
	return fail
}

// attempt performs a single upstream HTTP exchange.
func (f *Forwarder) attempt(ctx context.Context, p *gateway.Provider, req *Request, sink Sink, res *Result, http1, direct bool) *Failure {
	out, err := BuildRequest(p, req.Req, BuildOptions{
		CacheTTL:           req.CacheTTL,
		CodexInstructions:  f.CodexInstructions,
		InjectInstructions: f.CodexInstructionsInjection,
	})
	if err != nil {
		return &Failure{Class: FailClientError, Err: err}
	}
	res.Model = out.Model
	res.Passthrough = out.Passthrough
	res.Special = out.Special

	if f.rules != nil {
		out.Body = f.rules.ApplyProviderFilters(p.ID, out.Header, out.Body)
	}

	tr, err := f.transports.For(p, http1, direct)
	if err != nil {
		return &Failure{Class: FailNetwork, Err: err}
	}
	var rt http.RoundTripper = tr
	if p.Type == gateway.TypeGeminiCLI {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.APIKey}),
			Base:   tr,
		}
	}

	attemptCtx, cancel := f.attemptContext(ctx, p, req.Req.Stream)
	defer cancel()

	hreq, err := http.NewRequestWithContext(attemptCtx, out.Method, out.URL, bytes.NewReader(out.Body))
	if err != nil {
		return &Failure{Class: FailClientError, Err: err}
	}
	hreq.Header = out.Header

	start := time.Now()
	fb := f.firstByteWatch(p, req.Req.Stream, cancel)
	resp, err := (&http.Client{Transport: rt}).Do(hreq)
	if err != nil {
		fb.stop()
		return ClassifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fb.stop()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return ClassifyStatus(resp.StatusCode, resp.Header, body, f.rules)
	}
	res.Status = resp.StatusCode

	if req.Req.Stream {
		return f.relayStream(attemptCtx, p, req, sink, res, resp, start, fb, cancel)
	}
	fb.stop()
	return f.readCompletion(p, req, res, resp, start)
}

// attemptContext applies the non-streaming total timeout.
func (f *Forwarder) attemptContext(ctx context.Context, p *gateway.Provider, stream bool) (context.Context, context.CancelFunc) {
	if !stream {
		d := f.RequestTimeout
		if p.Timeouts.RequestNonStreamingMs > 0 {
			d = time.Duration(p.Timeouts.RequestNonStreamingMs) * time.Millisecond
		}
		if d > 0 {
			return context.WithTimeout(ctx, d)
		}
	}
	return context.WithCancel(ctx)
}

// firstByteWatch arms the streaming first-byte timer. Zero config means
// the 30s default; stop() disarms it once the first byte lands.
type watchTimer struct{ t *time.Timer }

func (w watchTimer) stop() {
	if w.t != nil {
		w.t.Stop()
	}
}

func (f *Forwarder) firstByteWatch(p *gateway.Provider, stream bool, cancel context.CancelFunc) watchTimer {
	if !stream {
		return watchTimer{}
	}
	d := defaultFirstByteTimeout
	if f.FirstByteTimeout > 0 {
		d = f.FirstByteTimeout
	}
	if p.Timeouts.FirstByteStreamingMs > 0 {
		d = time.Duration(p.Timeouts.FirstByteStreamingMs) * time.Millisecond
	}
	return watchTimer{t: time.AfterFunc(d, cancel)}
}

// relayStream forwards SSE frames to the client while aggregating usage
// from a parallel decode of the same events.
func (f *Forwarder) relayStream(ctx context.Context, p *gateway.Provider, req *Request, sink Sink, res *Result, resp *http.Response, start time.Time, fb watchTimer, cancel context.CancelFunc) *Failure {
	idleDur := f.IdleTimeout
	if p.Timeouts.StreamingIdleMs > 0 {
		idleDur = time.Duration(p.Timeouts.StreamingIdleMs) * time.Millisecond
	}
	var idle *time.Timer
	if idleDur > 0 {
		idle = time.AfterFunc(idleDur, cancel)
		defer idle.Stop()
	}

	var enc dialect.StreamEncoder
	if !res.Passthrough {
		adapter, ok := dialect.For(req.Req.Dialect)
		if !ok {
			return &Failure{Class: FailClientError, Err: fmt.Errorf("no adapter for dialect %q", req.Req.Dialect)}
		}
		enc = adapter.NewStreamEncoder(req.Req.Model)
	}
	dec := NewStreamDecoder(p.Type)

	reader := NewSSEReader(resp.Body)
	first := true
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ClassifyError(err)
		}
		if first {
			first = false
			fb.stop()
			res.TTFBMs = time.Since(start).Milliseconds()
		}
		if idle != nil {
			idle.Reset(idleDur)
		}

		events, err := dec.Decode(ev)
		if err != nil {
			// Upstream signalled an in-stream error.
			if rule := f.matchRule(err.Error()); rule != nil && rule.Category != "retryable" {
				return &Failure{Class: FailClientError, Err: err}
			}
			return &Failure{Class: FailRetryable5xx, Err: err}
		}
		for _, e := range events {
			if e.Usage != nil {
				res.Usage = *e.Usage
			}
		}

		if res.Passthrough {
			if frame := rectify.ReframeSSE(ev.Raw); frame != nil {
				if err := sink.Send(frame); err != nil {
					return &Failure{Class: FailNetwork, Err: err}
				}
				res.BytesToClient = true
			}
			continue
		}
		for _, e := range events {
			for _, frame := range enc.Encode(e) {
				if err := sink.Send(frame); err != nil {
					return &Failure{Class: FailNetwork, Err: err}
				}
				res.BytesToClient = true
			}
		}
	}
}

func (f *Forwarder) matchRule(body string) *gateway.ErrorRule {
	if f.rules == nil {
		return nil
	}
	return f.rules.MatchErrorRule(body)
}

// readCompletion consumes a non-streaming response body.
func (f *Forwarder) readCompletion(p *gateway.Provider, req *Request, res *Result, resp *http.Response, start time.Time) *Failure {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ClassifyError(err)
	}
	res.TTFBMs = time.Since(start).Milliseconds()
	body = rectify.NormalizeUTF8(body, resp.Header.Get("Content-Type"))
	body = f.rect.RepairJSON(body)

	completion, err := DecodeCompletion(p.Type, body)
	if err != nil {
		if rule := f.matchRule(string(body)); rule != nil && rule.Category == "retryable" {
			return &Failure{Class: FailRetryable5xx, Err: err, Body: body}
		}
		return &Failure{Class: FailClientError, Err: err, Body: body}
	}
	res.Usage = completion.Usage
	if res.Passthrough {
		res.Body = body
	} else {
		// The response handler re-encodes in the client dialect; keep
		// the requested model name in the envelope.
		completion.Model = req.Req.Model
		res.Completion = completion
	}
	return nil
}
