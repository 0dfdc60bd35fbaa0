// Package policy provides the gateway policy engine and its built-in
// policies: authentication, rate limiting, and IP filtering.
package policy

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Result is the outcome of evaluating a policy or a chain of policies.
type Result struct {
	Allowed    bool
	StatusCode int
	Error      string
	Reason     string
	PolicyName string
}

// Allow returns an allowing result.
func Allow() Result {
	return Result{Allowed: true}
}

// Deny returns a denying result with the given status and message.
func Deny(statusCode int, errLabel, reason string) Result {
	return Result{
		Allowed:    false,
		StatusCode: statusCode,
		Error:      errLabel,
		Reason:     reason,
	}
}

// Policy is a named predicate over a request.
type Policy interface {
	// Name returns the name the policy is registered under.
	Name() string

	// Evaluate decides whether the request may proceed. Request-scoped
	// state (route, client IP, annotations) is carried on the request
	// context.
	Evaluate(ctx context.Context, r *http.Request) Result
}

// Engine is the registry and evaluator for named policies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy
	logger   *zap.Logger
}

// NewEngine creates a policy engine.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		policies: make(map[string]Policy),
		logger:   logger,
	}
}

// Register inserts a policy. Re-registration of an existing name replaces.
func (e *Engine) Register(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name()] = p
}

// Get returns the policy registered under name, or nil.
func (e *Engine) Get(name string) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies[name]
}

// Apply evaluates the named policies in order. The first denial
// short-circuits the chain. Missing names are logged and skipped. A panic
// inside a policy aborts the chain with a 500 result carrying the offending
// policy name.
func (e *Engine) Apply(ctx context.Context, names []string, r *http.Request) Result {
	for _, name := range names {
		p := e.Get(name)
		if p == nil {
			e.logger.Warn("policy not registered, skipping",
				zap.String("policy", name),
			)
			continue
		}

		result := e.evaluate(ctx, p, r)
		if !result.Allowed {
			result.PolicyName = name
			return result
		}
	}
	return Allow()
}

// evaluate runs a single policy, converting panics into a 500 result.
func (e *Engine) evaluate(ctx context.Context, p Policy, r *http.Request) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("policy panicked",
				zap.String("policy", p.Name()),
				zap.Any("panic", rec),
			)
			result = Deny(http.StatusInternalServerError, "Internal Server Error", "Error evaluating policy")
		}
	}()

	return p.Evaluate(ctx, r)
}
