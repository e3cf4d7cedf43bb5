package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-for-unit-tests"

func testValidator(scopes ...string) *JWTValidator {
	return NewJWTValidator(JWTConfig{
		Secret:   testSecret,
		Issuer:   "https://auth.webqx.health",
		Audience: "webqx-gateway",
		Scopes:   scopes,
	})
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "patient-001",
		"iss":   "https://auth.webqx.health",
		"aud":   "webqx-gateway",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "ehr.read ehr.write",
	}
}

func TestValidateAcceptsGoodToken(t *testing.T) {
	v := testValidator()

	claims, err := v.Validate(context.Background(), signToken(t, validClaims()))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "patient-001" {
		t.Errorf("subject = %q, want patient-001", claims.Subject)
	}
	if claims.Issuer != "https://auth.webqx.health" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
	if claims.Audience != "webqx-gateway" {
		t.Errorf("audience = %q", claims.Audience)
	}
	if len(claims.Scopes) != 2 || claims.Scopes[0] != "ehr.read" {
		t.Errorf("scopes = %v, want [ehr.read ehr.write]", claims.Scopes)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	v := testValidator()
	c := validClaims()
	c["exp"] = time.Now().Add(-time.Minute).Unix()

	if _, err := v.Validate(context.Background(), signToken(t, c)); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestValidateRejectsMissingExpiry(t *testing.T) {
	v := testValidator()
	c := validClaims()
	delete(c, "exp")

	if _, err := v.Validate(context.Background(), signToken(t, c)); err == nil {
		t.Fatal("expected error for token without exp claim")
	}
}

func TestValidateRejectsWrongIssuer(t *testing.T) {
	v := testValidator()
	c := validClaims()
	c["iss"] = "https://evil.example.com"

	if _, err := v.Validate(context.Background(), signToken(t, c)); err == nil {
		t.Fatal("expected error for wrong issuer")
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	v := testValidator()
	c := validClaims()
	c["aud"] = "some-other-service"

	if _, err := v.Validate(context.Background(), signToken(t, c)); err == nil {
		t.Fatal("expected error for wrong audience")
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	v := testValidator()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	s, err := token.SignedString([]byte("a-different-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Validate(context.Background(), s); err == nil {
		t.Fatal("expected error for token signed with wrong secret")
	}
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	v := testValidator()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	s, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Validate(context.Background(), s); err == nil {
		t.Fatal("expected error for alg=none token")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	v := testValidator()
	if _, err := v.Validate(context.Background(), "not.a.token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}

func TestValidateAudienceList(t *testing.T) {
	v := testValidator()
	c := validClaims()
	c["aud"] = []string{"webqx-gateway", "another-audience"}

	claims, err := v.Validate(context.Background(), signToken(t, c))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Audience != "webqx-gateway" {
		t.Errorf("audience = %q, want webqx-gateway", claims.Audience)
	}
}

func TestScopeEnforcement(t *testing.T) {
	v := testValidator("ehr.read", "ehr.admin")
	c := validClaims() // has ehr.read and ehr.write, not ehr.admin

	_, err := v.Validate(context.Background(), signToken(t, c))
	if err == nil {
		t.Fatal("expected scope error")
	}
	if !IsScopeError(err) {
		t.Errorf("err = %v, want ScopeError", err)
	}
}

func TestScopeSatisfied(t *testing.T) {
	v := testValidator("ehr.read")
	if _, err := v.Validate(context.Background(), signToken(t, validClaims())); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}
