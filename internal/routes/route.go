// Package routes provides the route model and the config manager that owns
// the active route set.
package routes

import (
	"net/url"
	"strings"

	"github.com/skyrelay/gateway/internal/util"
)

// BreakerConfig is the per-route circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold     int  `json:"failure_threshold"`
	ResetTimeoutMS       int  `json:"reset_timeout_ms"`
	SuccessesBeforeReset int  `json:"successes_before_reset,omitempty"`
	Distributed          bool `json:"distributed,omitempty"`
}

// Route maps a request pattern and method set to a single upstream target
// with associated policy, breaker, timeout, and retry configuration.
type Route struct {
	Name           string         `json:"name"`
	Pattern        string         `json:"pattern"`
	Target         string         `json:"target"`
	Methods        []string       `json:"methods,omitempty"`
	Policies       []string       `json:"policies,omitempty"`
	CircuitBreaker *BreakerConfig `json:"circuit_breaker,omitempty"`
	TimeoutMS      int            `json:"timeout_ms,omitempty"`
	Retries        int            `json:"retries,omitempty"`
}

// Validate checks the route's intrinsic invariants. Name uniqueness across
// the active set is enforced by the Manager.
func (r *Route) Validate() error {
	if r.Name == "" {
		return util.NewConfigError("name", "route name is required")
	}
	if !strings.HasPrefix(r.Pattern, "/") {
		return util.NewConfigError("pattern", "pattern must start with /")
	}
	if _, err := compilePattern(r.Pattern); err != nil {
		return err
	}

	target, err := url.Parse(r.Target)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return util.NewConfigError("target", "target must be an absolute URL")
	}

	// Zero breaker values mean "use the gateway defaults"; only negative
	// values are invalid.
	if cb := r.CircuitBreaker; cb != nil {
		if cb.FailureThreshold < 0 {
			return util.NewConfigError("circuit_breaker.failure_threshold", "must not be negative")
		}
		if cb.ResetTimeoutMS < 0 {
			return util.NewConfigError("circuit_breaker.reset_timeout_ms", "must not be negative")
		}
		if cb.SuccessesBeforeReset < 0 {
			return util.NewConfigError("circuit_breaker.successes_before_reset", "must not be negative")
		}
	}

	return nil
}

// allowsMethod reports whether the route accepts the HTTP method. An empty
// method set accepts all.
func (r *Route) allowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// segment is one element of a compiled pattern: either a literal or a
// :param placeholder.
type segment struct {
	literal string
	param   string
}

// compiledRoute pairs a route with its parsed pattern. The literal prefix
// (pattern segments before the first :param) drives match precedence.
type compiledRoute struct {
	route         *Route
	segments      []segment
	literalPrefix string
}

// compilePattern parses a path template of literal and :param segments.
func compilePattern(pattern string) (*compiledRoute, error) {
	trimmed := strings.Trim(pattern, "/")

	var segments []segment
	var literalParts []string
	literalDone := false

	if trimmed != "" {
		for _, part := range strings.Split(trimmed, "/") {
			if part == "" {
				return nil, util.NewConfigError("pattern", "empty path segment in "+pattern)
			}
			if strings.HasPrefix(part, ":") {
				name := part[1:]
				if name == "" {
					return nil, util.NewConfigError("pattern", "unnamed parameter in "+pattern)
				}
				segments = append(segments, segment{param: name})
				literalDone = true
				continue
			}
			segments = append(segments, segment{literal: part})
			if !literalDone {
				literalParts = append(literalParts, part)
			}
		}
	}

	return &compiledRoute{
		segments:      segments,
		literalPrefix: "/" + strings.Join(literalParts, "/"),
	}, nil
}

// match checks the request path against the pattern. The pattern must match
// the leading path segments; leftover segments become the remainder that is
// appended to the target path on forward.
func (c *compiledRoute) match(path string) (params map[string]string, remainder string, ok bool) {
	trimmed := strings.Trim(path, "/")

	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, "/")
	}

	if len(parts) < len(c.segments) {
		return nil, "", false
	}

	params = make(map[string]string)
	for i, seg := range c.segments {
		if seg.param != "" {
			params[seg.param] = parts[i]
			continue
		}
		if seg.literal != parts[i] {
			return nil, "", false
		}
	}

	if rest := parts[len(c.segments):]; len(rest) > 0 {
		remainder = "/" + strings.Join(rest, "/")
	}

	return params, remainder, true
}
