package auth

import "time"

// AuthContext is the verified identity extracted from a bearer token. It is immutable and scoped to a single
// request; handlers read it but never mutate it.
type AuthContext struct {
	UserID    string
	OrgID     string
	Scopes    map[string]struct{}
	Username  string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope reports whether the token carries the given coarse-grained scope. A scope is a prerequisite for, not a
// substitute for, a per-operation permission check against the Resolver.
func (a *AuthContext) HasScope(scope string) bool {
	if a == nil {
		return false
	}
	_, ok := a.Scopes[scope]
	return ok
}
