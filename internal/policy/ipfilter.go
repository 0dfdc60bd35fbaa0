package policy

import (
	"context"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/skyrelay/gateway/internal/util"
)

// IPFilterConfig holds the allowlist and denylist for the IP filter policy.
type IPFilterConfig struct {
	Allowlist []string
	Denylist  []string
}

// IPFilter compares the client IP against configured lists. A non-empty
// allowlist takes precedence: IPs outside it are denied before the denylist
// is consulted.
type IPFilter struct {
	allowlist map[string]struct{}
	denylist  map[string]struct{}
	logger    *zap.Logger
}

// NewIPFilter creates the IP filtering policy.
func NewIPFilter(config IPFilterConfig, logger *zap.Logger) *IPFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &IPFilter{
		allowlist: make(map[string]struct{}, len(config.Allowlist)),
		denylist:  make(map[string]struct{}, len(config.Denylist)),
		logger:    logger,
	}
	for _, ip := range config.Allowlist {
		if normalized := normalizeIP(ip); normalized != "" {
			f.allowlist[normalized] = struct{}{}
		}
	}
	for _, ip := range config.Denylist {
		if normalized := normalizeIP(ip); normalized != "" {
			f.denylist[normalized] = struct{}{}
		}
	}
	return f
}

// Name returns the policy name.
func (f *IPFilter) Name() string {
	return "ip-filtering"
}

// Evaluate implements Policy. Pure CPU; never suspends.
func (f *IPFilter) Evaluate(ctx context.Context, r *http.Request) Result {
	clientIP := normalizeIP(util.ClientIPFromContext(ctx))

	if len(f.allowlist) > 0 {
		if _, ok := f.allowlist[clientIP]; !ok {
			return Deny(http.StatusForbidden, "Forbidden", "IP not in allowlist")
		}
	}

	if _, ok := f.denylist[clientIP]; ok {
		return Deny(http.StatusForbidden, "Forbidden", "IP is denylisted")
	}

	return Allow()
}

// normalizeIP canonicalizes textual IPs so list entries and extracted
// client IPs compare equal regardless of formatting.
func normalizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	return parsed.String()
}
