package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims is the wire shape of a verified access token. Audience is intentionally not part of the claim set we
// validate against, since the same token must work across the chat backend and its siblings.
type accessClaims struct {
	jwt.RegisteredClaims
	OrgID    string `json:"org_id"`
	Scope    string `json:"scope"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Type     string `json:"type"`
}

// Validator verifies bearer tokens signed with a shared HMAC secret. It holds no per-request state and is safe for
// concurrent use.
type Validator struct {
	secret []byte
}

// NewValidator builds a Validator. secret must be at least 32 bytes; this mirrors the config-time check in
// internal/config so a misconfigured secret fails at startup rather than per-request.
func NewValidator(secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}
	if len(secret) < 32 {
		return nil, ErrSecretTooShort
	}
	return &Validator{secret: secret}, nil
}

// Validate converts a raw bearer credential into an AuthContext. Audience is not checked. Required claims: sub,
// org_id, exp. A token without type=access (e.g. a refresh token) is rejected.
func (v *Validator) Validate(tokenStr string) (*AuthContext, error) {
	claims := &accessClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadSignature
		}
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, ErrBadShape
		}
	}
	if !token.Valid {
		return nil, ErrBadShape
	}

	if claims.Type != "access" {
		return nil, ErrBadType
	}
	if claims.Subject == "" {
		return nil, ErrMissingClaim("sub")
	}
	if claims.OrgID == "" {
		return nil, ErrMissingClaim("org_id")
	}
	if claims.ExpiresAt == nil {
		return nil, ErrMissingClaim("exp")
	}

	scopes := make(map[string]struct{})
	for _, s := range strings.Fields(claims.Scope) {
		scopes[s] = struct{}{}
	}

	ctx := &AuthContext{
		UserID:    claims.Subject,
		OrgID:     claims.OrgID,
		Scopes:    scopes,
		Username:  claims.Username,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		ctx.IssuedAt = claims.IssuedAt.Time
	}
	return ctx, nil
}

// NewAccessToken signs a token in the shape Validate expects. Used by tests and by any sibling service minting
// tokens with the same shared secret.
func NewAccessToken(secret []byte, userID, orgID, scope, username, email string, ttl time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrSecretTooShort
	}
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		OrgID:    orgID,
		Scope:    scope,
		Username: username,
		Email:    email,
		Type:     "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
