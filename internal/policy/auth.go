package policy

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/util"
)

// PrincipalAnnotation is the annotations key the authenticated principal is
// stored under.
const PrincipalAnnotation = "principal"

// AuthConfig holds the secrets for the authentication policy, resolved once
// at startup.
type AuthConfig struct {
	// JWTSecret is the HMAC secret for Bearer token verification.
	JWTSecret []byte

	// Issuer, when set, is required on verified tokens.
	Issuer string

	// APIKey is the expected key for the ApiKey scheme.
	APIKey string
}

// Authentication verifies the Authorization header. Bearer tokens are
// verified as HS256 JWTs; ApiKey values are compared in constant time.
type Authentication struct {
	config AuthConfig
	logger *zap.Logger
}

// NewAuthentication creates the authentication policy.
func NewAuthentication(config AuthConfig, logger *zap.Logger) *Authentication {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authentication{config: config, logger: logger}
}

// Name returns the policy name.
func (a *Authentication) Name() string {
	return "authentication"
}

// Evaluate implements Policy.
func (a *Authentication) Evaluate(ctx context.Context, r *http.Request) Result {
	header := r.Header.Get("Authorization")
	if header == "" {
		return Deny(http.StatusUnauthorized, "Unauthorized", "Missing authentication header")
	}

	switch {
	case strings.HasPrefix(header, "Bearer "):
		return a.evaluateBearer(ctx, strings.TrimPrefix(header, "Bearer "))

	case strings.HasPrefix(header, "ApiKey "):
		return a.evaluateAPIKey(ctx, strings.TrimPrefix(header, "ApiKey "))

	default:
		return Deny(http.StatusUnauthorized, "Unauthorized", "Unsupported authentication scheme")
	}
}

// evaluateBearer verifies the token signature, expiry, and issuer. Only
// HS256 is accepted; tokens signed with any other algorithm (including
// none) fail key resolution.
func (a *Authentication) evaluateBearer(ctx context.Context, token string) Result {
	if len(a.config.JWTSecret) == 0 {
		return Deny(http.StatusUnauthorized, "Unauthorized", "Bearer authentication not configured")
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKey(jwa.HS256, a.config.JWTSecret),
		jwt.WithValidate(true),
	}
	if a.config.Issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(a.config.Issuer))
	}

	tok, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		a.logger.Debug("jwt verification failed", zap.Error(err))
		return Deny(http.StatusUnauthorized, "Unauthorized", "Invalid token")
	}

	claims := map[string]interface{}{}
	for k, v := range tok.PrivateClaims() {
		claims[k] = v
	}
	if sub := tok.Subject(); sub != "" {
		claims["sub"] = sub
	}
	if iss := tok.Issuer(); iss != "" {
		claims["iss"] = iss
	}

	if annotations := util.AnnotationsFromContext(ctx); annotations != nil {
		annotations[PrincipalAnnotation] = claims
	}

	return Allow()
}

func (a *Authentication) evaluateAPIKey(ctx context.Context, key string) Result {
	if a.config.APIKey == "" {
		return Deny(http.StatusUnauthorized, "Unauthorized", "ApiKey authentication not configured")
	}

	if subtle.ConstantTimeCompare([]byte(key), []byte(a.config.APIKey)) != 1 {
		return Deny(http.StatusUnauthorized, "Unauthorized", "Invalid API key")
	}

	if annotations := util.AnnotationsFromContext(ctx); annotations != nil {
		annotations[PrincipalAnnotation] = map[string]interface{}{"api_key": true}
	}

	return Allow()
}
