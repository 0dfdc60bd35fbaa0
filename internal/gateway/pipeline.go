// Package gateway composes the request pipeline and the HTTP server around
// it: route matching, policy enforcement, circuit breaking, forwarding, and
// telemetry.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/circuitbreaker"
	"github.com/skyrelay/gateway/internal/metrics"
	"github.com/skyrelay/gateway/internal/policy"
	"github.com/skyrelay/gateway/internal/routes"
	"github.com/skyrelay/gateway/internal/util"
)

// unmatchedRouteLabel is the route label recorded for requests that match
// no route.
const unmatchedRouteLabel = "unmatched"

// retryBackoff is the fixed pause between forward attempts.
const retryBackoff = 100 * time.Millisecond

// errorBody is the JSON shape of every gateway-synthesized error response.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// PipelineConfig holds pipeline-level settings.
type PipelineConfig struct {
	// DefaultTimeout applies to routes without a timeout_ms.
	DefaultTimeout time.Duration
}

// Pipeline handles inbound requests end to end.
type Pipeline struct {
	routes   *routes.Manager
	engine   *policy.Engine
	breakers *circuitbreaker.Service
	metrics  *metrics.Registry
	logger   *zap.Logger

	transport      http.RoundTripper
	defaultTimeout time.Duration
}

// PipelineOption is a functional option for the Pipeline.
type PipelineOption func(*Pipeline)

// WithTransport sets the upstream transport. Tests inject round trippers.
func WithTransport(t http.RoundTripper) PipelineOption {
	return func(p *Pipeline) {
		p.transport = t
	}
}

// NewPipeline creates the request pipeline.
func NewPipeline(
	manager *routes.Manager,
	engine *policy.Engine,
	breakers *circuitbreaker.Service,
	m *metrics.Registry,
	logger *zap.Logger,
	config PipelineConfig,
	opts ...PipelineOption,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}

	p := &Pipeline{
		routes:         manager,
		engine:         engine,
		breakers:       breakers,
		metrics:        m,
		logger:         logger,
		transport:      http.DefaultTransport,
		defaultTimeout: config.DefaultTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ServeHTTP implements http.Handler.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("panic in request pipeline",
				zap.String("request_id", requestID),
				zap.Any("panic", rec),
			)
			p.writeError(w, http.StatusInternalServerError, "Internal Server Error", "unexpected error")
		}
	}()

	clientIP := util.ClientIP(r)

	match, ok := p.routes.Match(r.Method, r.URL.Path)
	if !ok {
		p.writeError(w, http.StatusNotFound, "Not Found", "no matching route")
		p.metrics.RecordRequest(unmatchedRouteLabel, r.Method, http.StatusNotFound, time.Since(start))
		return
	}

	route := match.Route

	ctx := r.Context()
	ctx = util.ContextWithRequestID(ctx, requestID)
	ctx = util.ContextWithClientIP(ctx, clientIP)
	ctx = util.ContextWithRoute(ctx, route.Name)
	ctx = util.ContextWithStartTime(ctx, start)
	ctx = util.ContextWithPathParams(ctx, match.PathParams)
	ctx = util.ContextWithAnnotations(ctx, util.Annotations{})
	r = r.WithContext(ctx)

	if result := p.engine.Apply(ctx, route.Policies, r); !result.Allowed {
		p.logDenial(requestID, route.Name, result)
		p.writeError(w, result.StatusCode, result.Error, result.Reason)
		p.metrics.RecordRequest(route.Name, r.Method, result.StatusCode, time.Since(start))
		return
	}

	if !p.breakers.IsAllowed(ctx, route.Name) {
		p.metrics.RecordBreakerRejected(route.Name)
		p.writeError(w, http.StatusServiceUnavailable, "Service Unavailable", "circuit open")
		p.metrics.RecordRequest(route.Name, r.Method, http.StatusServiceUnavailable, time.Since(start))
		return
	}

	status := p.forward(ctx, w, r, route, match, requestID, clientIP)
	p.metrics.RecordRequest(route.Name, r.Method, status, time.Since(start))
}

// logDenial logs policy denials at the level §7 assigns them.
func (p *Pipeline) logDenial(requestID, routeName string, result policy.Result) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("route", routeName),
		zap.String("policy", result.PolicyName),
		zap.Int("status", result.StatusCode),
		zap.String("reason", result.Reason),
	}
	if result.StatusCode == http.StatusInternalServerError {
		p.logger.Error("policy evaluation failed", fields...)
		return
	}
	p.logger.Info("request denied by policy", fields...)
}

// forward sends the request upstream, applying the route timeout and
// retries, records the outcome with the breaker, and relays the response.
// Returns the status written to the client.
func (p *Pipeline) forward(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	route *routes.Route,
	match *routes.MatchResult,
	requestID, clientIP string,
) int {
	timeout := p.defaultTimeout
	if route.TimeoutMS > 0 {
		timeout = time.Duration(route.TimeoutMS) * time.Millisecond
	}

	attempts := 1 + route.Retries
	if attempts < 1 {
		attempts = 1
	}

	// Retries need a rewindable body; a single attempt streams it through.
	var bodyBytes []byte
	if attempts > 1 && r.Body != nil && r.Body != http.NoBody {
		var err error
		bodyBytes, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			p.writeError(w, http.StatusBadRequest, "Bad Request", "failed to read request body")
			return http.StatusBadRequest
		}
	}

	var lastErr *util.UpstreamError

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}

		upstreamReq, err := p.buildUpstreamRequest(ctx, r, route, match, requestID, clientIP, bodyBytes)
		if err != nil {
			p.logger.Error("failed to build upstream request",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			p.writeError(w, http.StatusBadGateway, "Bad Gateway", "invalid upstream target")
			p.recordFailure(ctx, route.Name, util.NewUpstreamTransportError(err))
			return http.StatusBadGateway
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := p.doRoundTrip(callCtx, upstreamReq)
		if err != nil {
			// Classify before cancel: afterwards the context error is
			// Canceled regardless of why the call failed.
			lastErr = classifyTransportError(callCtx, err)
			cancel()
			continue
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			lastErr = util.NewUpstreamStatusError(resp.StatusCode)
			if attempt < attempts-1 {
				drainAndClose(resp.Body)
				cancel()
				continue
			}
			// Final attempt: the 5xx passes through, but still counts
			// against the breaker.
			p.recordFailure(ctx, route.Name, lastErr)
			status := p.relayResponse(w, resp)
			cancel()
			return status
		}

		// [200, 499] counts as success.
		p.breakers.RecordSuccess(ctx, route.Name)
		status := p.relayResponse(w, resp)
		cancel()
		return status
	}

	p.recordFailure(ctx, route.Name, lastErr)

	if lastErr.Kind == util.KindTimeout {
		p.writeError(w, http.StatusGatewayTimeout, "Gateway Timeout", "upstream timeout")
		return http.StatusGatewayTimeout
	}
	p.writeError(w, http.StatusBadGateway, "Bad Gateway", "upstream unreachable")
	return http.StatusBadGateway
}

// doRoundTrip performs one upstream call.
func (p *Pipeline) doRoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	return p.transport.RoundTrip(req.WithContext(ctx))
}

// hopHeaders are headers that should not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// buildUpstreamRequest clones the inbound request toward the target:
// target path + remainder, original query, headers minus hop-by-hop, Host
// rewritten, X-Request-Id set, X-Forwarded-For appended.
func (p *Pipeline) buildUpstreamRequest(
	ctx context.Context,
	r *http.Request,
	route *routes.Route,
	match *routes.MatchResult,
	requestID, clientIP string,
	bodyBytes []byte,
) (*http.Request, error) {
	targetURL, err := joinTarget(route.Target, match.Remainder)
	if err != nil {
		return nil, err
	}
	targetURL.RawQuery = r.URL.RawQuery

	var body io.Reader
	if bodyBytes != nil {
		body = bytes.NewReader(bodyBytes)
	} else if r.Body != nil {
		body = r.Body
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL.String(), body)
	if err != nil {
		return nil, err
	}

	for key, values := range r.Header {
		for _, v := range values {
			upstreamReq.Header.Add(key, v)
		}
	}
	for _, h := range hopHeaders {
		upstreamReq.Header.Del(h)
	}

	upstreamReq.Header.Set("X-Request-Id", requestID)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		upstreamReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		upstreamReq.Header.Set("X-Forwarded-For", clientIP)
	}
	upstreamReq.Host = upstreamReq.URL.Host

	return upstreamReq, nil
}

// relayResponse copies the upstream response to the client.
func (p *Pipeline) relayResponse(w http.ResponseWriter, resp *http.Response) int {
	defer drainAndClose(resp.Body)

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode
}

func (p *Pipeline) recordFailure(ctx context.Context, serviceID string, err *util.UpstreamError) {
	p.breakers.RecordFailure(ctx, serviceID, err.Error(), string(err.Kind))
}

// writeError writes a gateway-synthesized JSON error response.
func (p *Pipeline) writeError(w http.ResponseWriter, status int, errLabel, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errLabel, Reason: reason})
}

// classifyTransportError distinguishes timeouts from other transport
// failures.
func classifyTransportError(ctx context.Context, err error) *util.UpstreamError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return util.NewUpstreamTimeoutError(err)
	}
	return util.NewUpstreamTransportError(err)
}

// joinTarget appends the remainder path to the target URL's path.
func joinTarget(target, remainder string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}

	basePath := strings.TrimSuffix(u.Path, "/")
	if remainder != "" {
		u.Path = basePath + remainder
	} else if basePath == "" {
		u.Path = "/"
	} else {
		u.Path = basePath
	}
	return u, nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
