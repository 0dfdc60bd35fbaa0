package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// stubPolicy is a fixed-result policy for engine tests.
type stubPolicy struct {
	name   string
	result Result
	calls  *int
}

func (s *stubPolicy) Name() string { return s.name }

func (s *stubPolicy) Evaluate(ctx context.Context, r *http.Request) Result {
	if s.calls != nil {
		*s.calls++
	}
	return s.result
}

// panicPolicy always panics.
type panicPolicy struct{}

func (panicPolicy) Name() string { return "panicky" }

func (panicPolicy) Evaluate(ctx context.Context, r *http.Request) Result {
	panic("boom")
}

func testRequest() *http.Request {
	return httptest.NewRequest("GET", "/x", nil)
}

func TestEngine_ApplyEmptyChainAllows(t *testing.T) {
	e := NewEngine(zap.NewNop())

	result := e.Apply(context.Background(), nil, testRequest())
	assert.True(t, result.Allowed)
}

func TestEngine_FirstDenialShortCircuits(t *testing.T) {
	e := NewEngine(zap.NewNop())

	laterCalls := 0
	e.Register(&stubPolicy{name: "allow", result: Allow()})
	e.Register(&stubPolicy{name: "deny", result: Deny(http.StatusForbidden, "Forbidden", "nope")})
	e.Register(&stubPolicy{name: "later", result: Allow(), calls: &laterCalls})

	result := e.Apply(context.Background(), []string{"allow", "deny", "later"}, testRequest())

	assert.False(t, result.Allowed)
	assert.Equal(t, http.StatusForbidden, result.StatusCode)
	assert.Equal(t, "deny", result.PolicyName)
	assert.Equal(t, 0, laterCalls)
}

func TestEngine_MissingPolicySkipped(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Register(&stubPolicy{name: "allow", result: Allow()})

	result := e.Apply(context.Background(), []string{"ghost", "allow"}, testRequest())
	assert.True(t, result.Allowed)
}

func TestEngine_PanicConvertsTo500(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Register(panicPolicy{})

	result := e.Apply(context.Background(), []string{"panicky"}, testRequest())

	assert.False(t, result.Allowed)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Equal(t, "Error evaluating policy", result.Reason)
	assert.Equal(t, "panicky", result.PolicyName)
}

func TestEngine_ReRegistrationReplaces(t *testing.T) {
	e := NewEngine(zap.NewNop())
	e.Register(&stubPolicy{name: "p", result: Deny(http.StatusForbidden, "Forbidden", "old")})
	e.Register(&stubPolicy{name: "p", result: Allow()})

	result := e.Apply(context.Background(), []string{"p"}, testRequest())
	assert.True(t, result.Allowed)
}
