// Package permission resolves whether an AuthContext may perform a named permission, optionally scoped to a
// resource (a conversation), by composing the cache abstraction, circuit breaker, service identity manager, and AS
// HTTP client.
package permission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/orgchat/chatcore/internal/as"
	"github.com/orgchat/chatcore/internal/breaker"
	"github.com/orgchat/chatcore/internal/cache"
)

// Outcome is the three-way result of a permission check.
type Outcome string

const (
	Allowed     Outcome = "allowed"
	Denied      Outcome = "denied"
	Unavailable Outcome = "unavailable"
)

// Decision is the result of a Check call. Source records where the decision came from, for logging and metrics:
// "cache", "auth_api", or "fail-open".
type Decision struct {
	Outcome Outcome
	Source  string
}

// FailPolicy selects what Check returns when the AS cannot be reached.
type FailPolicy int

const (
	FailClosed FailPolicy = iota
	FailOpen
)

// TTLs configures the tiered cache lifetime applied per outcome/permission shape.
type TTLs struct {
	Read   time.Duration // permissions ending in :read
	Write  time.Duration // :create, :update, :send_message, :write, and anything unrecognized
	Admin  time.Duration // :delete, :manage_members, :admin
	Denied time.Duration // any denied outcome
}

// DefaultTTLs is the tiered TTL table: reads cached longest, admin/delete outcomes shortest.
var DefaultTTLs = TTLs{
	Read:   300 * time.Second,
	Write:  60 * time.Second,
	Admin:  30 * time.Second,
	Denied: 120 * time.Second,
}

type identityManager interface {
	GetServiceToken(ctx context.Context) (string, error)
}

type asClient interface {
	Check(ctx context.Context, serviceToken string, req as.CheckRequest) (*as.CheckResponse, error)
}

// Resolver implements the cache-then-breaker-then-AS permission check algorithm.
type Resolver struct {
	cache    cache.Cache
	breaker  *breaker.Breaker
	identity identityManager
	as       asClient
	ttls     TTLs
	policy   FailPolicy
	log      zerolog.Logger
}

// Option configures a Resolver at construction.
type Option func(*Resolver)

// WithTTLs overrides the default tiered TTL table.
func WithTTLs(ttls TTLs) Option {
	return func(r *Resolver) { r.ttls = ttls }
}

// WithFailPolicy sets the boot-time fail policy applied when the AS is unreachable.
func WithFailPolicy(p FailPolicy) Option {
	return func(r *Resolver) { r.policy = p }
}

// WithLogger attaches a logger for degraded-decision records.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.log = logger }
}

// NewResolver builds a Resolver. The default fail policy is fail-closed.
func NewResolver(c cache.Cache, b *breaker.Breaker, idm identityManager, ac asClient, opts ...Option) *Resolver {
	r := &Resolver{
		cache:    c,
		breaker:  b,
		identity: idm,
		as:       ac,
		ttls:     DefaultTTLs,
		policy:   FailClosed,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func cacheKey(orgID, userID, permission, resourceID string) string {
	key := "auth:permission:" + orgID + ":" + userID + ":" + permission
	if resourceID != "" {
		key += ":" + resourceID
	}
	return key
}

// Check decides whether userID in orgID may perform permission, optionally scoped to resourceID (a conversation).
// It never returns an error for a denial; callers translate Denied into a user-facing authorization failure.
func (r *Resolver) Check(ctx context.Context, orgID, userID, permission, resourceID string) (Decision, error) {
	key := cacheKey(orgID, userID, permission, resourceID)

	if raw, ok := r.cache.Get(ctx, key); ok {
		if raw == "1" {
			return Decision{Outcome: Allowed, Source: "cache"}, nil
		}
		return Decision{Outcome: Denied}, nil
	}

	if !r.breaker.Allow(ctx) {
		return r.degraded(key, "breaker_open"), nil
	}

	token, err := r.identity.GetServiceToken(ctx)
	if err != nil {
		r.breaker.RecordFailure(ctx)
		r.log.Warn().Err(err).Msg("service token acquisition failed during permission check")
		return r.degraded(key, "token_error"), nil
	}

	resp, err := r.as.Check(ctx, token, as.CheckRequest{
		OrgID:      orgID,
		UserID:     userID,
		Permission: permission,
		ResourceID: resourceID,
	})
	if err != nil {
		r.breaker.RecordFailure(ctx)
		r.log.Warn().Err(err).Str("permission", permission).Msg("authorization service call failed")
		return r.degraded(key, "call_error"), nil
	}
	r.breaker.RecordSuccess(ctx)

	ttl := r.ttlFor(permission, resp.Allowed)
	value := "0"
	if resp.Allowed {
		value = "1"
	}
	r.cache.Set(ctx, key, value, ttl)

	if resp.Allowed {
		return Decision{Outcome: Allowed, Source: "auth_api"}, nil
	}
	return Decision{Outcome: Denied}, nil
}

func (r *Resolver) degraded(key, reason string) Decision {
	if r.policy == FailOpen {
		r.log.Warn().Str("key", key).Str("reason", reason).Msg("authorization service unavailable, fail-open decision applied")
		return Decision{Outcome: Allowed, Source: "fail-open"}
	}
	return Decision{Outcome: Unavailable}
}

// ttlFor derives the cache TTL for a decision from the permission's name suffix.
func (r *Resolver) ttlFor(permission string, allowed bool) time.Duration {
	if !allowed {
		return r.ttls.Denied
	}
	switch {
	case strings.HasSuffix(permission, ":read"):
		return r.ttls.Read
	case strings.HasSuffix(permission, ":delete"),
		strings.HasSuffix(permission, ":manage_members"),
		strings.HasSuffix(permission, ":admin"):
		return r.ttls.Admin
	case strings.HasSuffix(permission, ":create"),
		strings.HasSuffix(permission, ":update"),
		strings.HasSuffix(permission, ":send_message"),
		strings.HasSuffix(permission, ":write"):
		return r.ttls.Write
	default:
		return r.ttls.Write
	}
}

// Invalidate removes every cached decision for a user within an org, in response to an external signal that the
// user's permissions changed.
func (r *Resolver) Invalidate(ctx context.Context, orgID, userID string) bool {
	return r.cache.InvalidatePattern(ctx, fmt.Sprintf("auth:permission:%s:%s:*", orgID, userID))
}
