package auth

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/orgchat/chatcore/internal/apierr"
	"github.com/orgchat/chatcore/internal/httputil"
)

// localsKey is the Locals key the verified AuthContext is stored under.
const localsKey = "authContext"

// FromContext retrieves the AuthContext a prior RequireAuth call attached to the request. Returns nil if absent
// (e.g. a public-path request, or a handler mis-wired without the middleware).
func FromContext(c fiber.Ctx) *AuthContext {
	ctx, _ := c.Locals(localsKey).(*AuthContext)
	return ctx
}

// RequireAuth returns Fiber middleware that validates a bearer token from the Authorization header and attaches the
// resulting AuthContext to the request. publicPrefixes bypasses validation entirely for matching path prefixes
// (health, metrics, docs, the browser test harness), passed in as configuration rather than hardcoded.
func RequireAuth(v *Validator, publicPrefixes []string) fiber.Handler {
	return func(c fiber.Ctx) error {
		path := c.Path()
		for _, prefix := range publicPrefixes {
			if prefix != "" && strings.HasPrefix(path, prefix) {
				return c.Next()
			}
		}

		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.CodeUnauthorized, "missing authorization header")
		}

		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierr.CodeUnauthorized, "authorization header is not a bearer token")
		}

		ctx, err := v.Validate(strings.TrimPrefix(header, prefix))
		if err != nil {
			return failFromValidateErr(c, err)
		}

		c.Locals(localsKey, ctx)
		return c.Next()
	}
}

// ValidateQueryToken validates the bearer token carried in the "token" query parameter. Used for the socket upgrade
// path, where header injection from a browser WebSocket client is awkward; decision semantics are identical to
// RequireAuth.
func ValidateQueryToken(v *Validator, c fiber.Ctx) (*AuthContext, error) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		return nil, ErrMissingAuthHdr
	}
	return v.Validate(tokenStr)
}

func failFromValidateErr(c fiber.Ctx, err error) error {
	code := apierr.CodeUnauthorized
	message := "invalid token"

	switch {
	case errors.Is(err, ErrTokenExpired):
		code = apierr.CodeTokenExpired
		message = "token has expired"
	case errors.Is(err, ErrBadType):
		message = "token type is not \"access\""
	case errors.Is(err, ErrBadSignature):
		message = "token signature is invalid"
	default:
		var missing *MissingClaimError
		if errors.As(err, &missing) {
			message = missing.Error()
		}
	}

	return httputil.Fail(c, fiber.StatusUnauthorized, code, message)
}
