package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-that-is-at-least-32-bytes!")

func TestNewAccessTokenAndValidate(t *testing.T) {
	t.Parallel()
	tokenStr, err := NewAccessToken(testSecret, "u1", "o1", "chat:write chat:read", "alice", "alice@example.com", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v, err := NewValidator(testSecret)
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	ctx, err := v.Validate(tokenStr)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if ctx.UserID != "u1" {
		t.Errorf("UserID = %q, want %q", ctx.UserID, "u1")
	}
	if ctx.OrgID != "o1" {
		t.Errorf("OrgID = %q, want %q", ctx.OrgID, "o1")
	}
	if !ctx.HasScope("chat:write") || !ctx.HasScope("chat:read") {
		t.Errorf("Scopes = %v, want chat:write and chat:read", ctx.Scopes)
	}
}

func TestNewValidatorRejectsShortSecret(t *testing.T) {
	t.Parallel()
	if _, err := NewValidator([]byte("too-short")); !errors.Is(err, ErrSecretTooShort) {
		t.Fatalf("NewValidator() error = %v, want ErrSecretTooShort", err)
	}
	if _, err := NewValidator(nil); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("NewValidator() error = %v, want ErrMissingSecret", err)
	}
}

func TestValidateExpired(t *testing.T) {
	t.Parallel()
	tokenStr, err := NewAccessToken(testSecret, "u1", "o1", "", "", "", -1*time.Second)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	v, _ := NewValidator(testSecret)
	_, err = v.Validate(tokenStr)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("Validate() error = %v, want ErrTokenExpired", err)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	t.Parallel()
	tokenStr, err := NewAccessToken(testSecret, "u1", "o1", "", "", "", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}

	wrongSecret := []byte("a-completely-different-secret-value-32bytes")
	v, _ := NewValidator(wrongSecret)
	if _, err := v.Validate(tokenStr); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Validate() error = %v, want ErrBadSignature", err)
	}
}

func TestValidateRejectsNonAccessType(t *testing.T) {
	t.Parallel()
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		OrgID: "o1",
		Type:  "refresh",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	v, _ := NewValidator(testSecret)
	if _, err := v.Validate(tokenStr); !errors.Is(err, ErrBadType) {
		t.Fatalf("Validate() error = %v, want ErrBadType", err)
	}
}

func TestValidateRejectsMissingOrgID(t *testing.T) {
	t.Parallel()
	now := time.Now()
	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
		Type: "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	v, _ := NewValidator(testSecret)
	_, err = v.Validate(tokenStr)
	var missing *MissingClaimError
	if !errors.As(err, &missing) || missing.Claim != "org_id" {
		t.Fatalf("Validate() error = %v, want MissingClaimError(org_id)", err)
	}
}

func TestValidateMalformed(t *testing.T) {
	t.Parallel()
	v, _ := NewValidator(testSecret)
	if _, err := v.Validate("not.a.valid.jwt"); err == nil {
		t.Fatal("Validate() with malformed token should return error")
	}
}

func TestValidatePureFunction(t *testing.T) {
	t.Parallel()
	tokenStr, err := NewAccessToken(testSecret, "u1", "o1", "chat:read", "", "", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewAccessToken() error = %v", err)
	}
	v, _ := NewValidator(testSecret)

	a, err := v.Validate(tokenStr)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	b, err := v.Validate(tokenStr)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if a.UserID != b.UserID || a.OrgID != b.OrgID {
		t.Error("Validate() is not pure: same token produced different identity across calls")
	}
}
