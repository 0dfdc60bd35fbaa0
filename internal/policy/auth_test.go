package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/util"
)

var testSecret = []byte("test-secret-0123456789")

func newAuthPolicy(t *testing.T) *Authentication {
	t.Helper()
	return NewAuthentication(AuthConfig{
		JWTSecret: testSecret,
		APIKey:    "valid-api-key",
	}, zap.NewNop())
}

func signToken(t *testing.T, secret []byte, mutate func(b *jwt.Builder)) string {
	t.Helper()

	b := jwt.NewBuilder().
		Subject("user-1").
		Issuer("test-issuer").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	if mutate != nil {
		mutate(b)
	}

	tok, err := b.Build()
	require.NoError(t, err)

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, secret))
	require.NoError(t, err)
	return string(signed)
}

func authRequest(header string) (*http.Request, context.Context) {
	r := httptest.NewRequest("GET", "/x", nil)
	if header != "" {
		r.Header.Set("Authorization", header)
	}
	ctx := util.ContextWithAnnotations(context.Background(), util.Annotations{})
	return r.WithContext(ctx), ctx
}

func TestAuthentication_MissingHeader(t *testing.T) {
	p := newAuthPolicy(t)
	r, ctx := authRequest("")

	result := p.Evaluate(ctx, r)

	assert.False(t, result.Allowed)
	assert.Equal(t, http.StatusUnauthorized, result.StatusCode)
	assert.Equal(t, "Unauthorized", result.Error)
	assert.Equal(t, "Missing authentication header", result.Reason)
}

func TestAuthentication_ValidBearerToken(t *testing.T) {
	p := newAuthPolicy(t)
	token := signToken(t, testSecret, func(b *jwt.Builder) {
		b.Claim("role", "admin")
	})
	r, ctx := authRequest("Bearer " + token)

	result := p.Evaluate(ctx, r)
	require.True(t, result.Allowed)

	principal, ok := util.AnnotationsFromContext(ctx)[PrincipalAnnotation].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "user-1", principal["sub"])
	assert.Equal(t, "admin", principal["role"])
}

func TestAuthentication_ExpiredToken(t *testing.T) {
	p := newAuthPolicy(t)
	token := signToken(t, testSecret, func(b *jwt.Builder) {
		b.Expiration(time.Now().Add(-time.Minute))
	})
	r, ctx := authRequest("Bearer " + token)

	result := p.Evaluate(ctx, r)
	assert.False(t, result.Allowed)
	assert.Equal(t, http.StatusUnauthorized, result.StatusCode)
}

func TestAuthentication_WrongSigningKey(t *testing.T) {
	p := newAuthPolicy(t)
	token := signToken(t, []byte("some-other-secret-key"), nil)
	r, ctx := authRequest("Bearer " + token)

	result := p.Evaluate(ctx, r)
	assert.False(t, result.Allowed)
}

func TestAuthentication_IssuerEnforcedWhenConfigured(t *testing.T) {
	p := NewAuthentication(AuthConfig{
		JWTSecret: testSecret,
		Issuer:    "expected-issuer",
	}, zap.NewNop())

	token := signToken(t, testSecret, nil) // issuer "test-issuer"
	r, ctx := authRequest("Bearer " + token)

	result := p.Evaluate(ctx, r)
	assert.False(t, result.Allowed)
}

func TestAuthentication_ValidAPIKey(t *testing.T) {
	p := newAuthPolicy(t)
	r, ctx := authRequest("ApiKey valid-api-key")

	result := p.Evaluate(ctx, r)
	assert.True(t, result.Allowed)
}

func TestAuthentication_InvalidAPIKey(t *testing.T) {
	p := newAuthPolicy(t)
	r, ctx := authRequest("ApiKey wrong-key")

	result := p.Evaluate(ctx, r)
	assert.False(t, result.Allowed)
	assert.Equal(t, http.StatusUnauthorized, result.StatusCode)
}

func TestAuthentication_UnsupportedScheme(t *testing.T) {
	p := newAuthPolicy(t)
	r, ctx := authRequest("Basic dXNlcjpwYXNz")

	result := p.Evaluate(ctx, r)
	assert.False(t, result.Allowed)
	assert.Equal(t, "Unsupported authentication scheme", result.Reason)
}

func TestAuthentication_BearerNotConfigured(t *testing.T) {
	p := NewAuthentication(AuthConfig{APIKey: "k"}, zap.NewNop())
	r, ctx := authRequest("Bearer whatever")

	result := p.Evaluate(ctx, r)
	assert.False(t, result.Allowed)
}
