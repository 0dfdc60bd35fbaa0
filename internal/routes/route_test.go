package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoute_Validate(t *testing.T) {
	tests := []struct {
		name    string
		route   Route
		wantErr bool
	}{
		{
			name:  "valid",
			route: Route{Name: "svc", Pattern: "/a/:id", Target: "http://upstream:9000"},
		},
		{
			name:    "missing name",
			route:   Route{Pattern: "/a", Target: "http://t"},
			wantErr: true,
		},
		{
			name:    "pattern without leading slash",
			route:   Route{Name: "svc", Pattern: "a/:id", Target: "http://t"},
			wantErr: true,
		},
		{
			name:    "unnamed parameter",
			route:   Route{Name: "svc", Pattern: "/a/:", Target: "http://t"},
			wantErr: true,
		},
		{
			name:    "relative target",
			route:   Route{Name: "svc", Pattern: "/a", Target: "/not-absolute"},
			wantErr: true,
		},
		{
			name: "breaker threshold must not be negative",
			route: Route{
				Name: "svc", Pattern: "/a", Target: "http://t",
				CircuitBreaker: &BreakerConfig{FailureThreshold: -1, ResetTimeoutMS: 1000},
			},
			wantErr: true,
		},
		{
			name: "breaker zero values defer to defaults",
			route: Route{
				Name: "svc", Pattern: "/a", Target: "http://t",
				CircuitBreaker: &BreakerConfig{},
			},
		},
		{
			name: "valid breaker",
			route: Route{
				Name: "svc", Pattern: "/a", Target: "http://t",
				CircuitBreaker: &BreakerConfig{FailureThreshold: 3, ResetTimeoutMS: 1000},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.route.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCompiledRoute_Match(t *testing.T) {
	c, err := compilePattern("/api/users/:id")
	require.NoError(t, err)

	params, remainder, ok := c.match("/api/users/42")
	require.True(t, ok)
	assert.Equal(t, "42", params["id"])
	assert.Empty(t, remainder)

	params, remainder, ok = c.match("/api/users/42/orders/7")
	require.True(t, ok)
	assert.Equal(t, "42", params["id"])
	assert.Equal(t, "/orders/7", remainder)

	_, _, ok = c.match("/api/users")
	assert.False(t, ok)

	_, _, ok = c.match("/api/other/42")
	assert.False(t, ok)
}

func TestCompiledRoute_RootPattern(t *testing.T) {
	c, err := compilePattern("/")
	require.NoError(t, err)

	_, remainder, ok := c.match("/anything/here")
	require.True(t, ok)
	assert.Equal(t, "/anything/here", remainder)

	_, remainder, ok = c.match("/")
	require.True(t, ok)
	assert.Empty(t, remainder)
}

func TestCompiledRoute_LiteralPrefix(t *testing.T) {
	c, err := compilePattern("/api/users/:id/orders")
	require.NoError(t, err)
	assert.Equal(t, "/api/users", c.literalPrefix)

	c, err = compilePattern("/:id")
	require.NoError(t, err)
	assert.Equal(t, "/", c.literalPrefix)
}

func TestRoute_AllowsMethod(t *testing.T) {
	r := Route{Name: "svc", Pattern: "/a", Target: "http://t"}
	assert.True(t, r.allowsMethod("GET"))
	assert.True(t, r.allowsMethod("DELETE"))

	r.Methods = []string{"GET", "POST"}
	assert.True(t, r.allowsMethod("GET"))
	assert.True(t, r.allowsMethod("get"))
	assert.False(t, r.allowsMethod("DELETE"))
}
