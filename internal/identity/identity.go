// Package identity defines the gateway's boundary contracts with the
// identity provider (bearer token validation) and the credential exchange
// service (validated identity → downstream credential), plus the concrete
// implementations used in production: JWT validation and an HTTP token
// endpoint client.
package identity

import (
	"context"
	"time"
)

// Claims represents a validated caller identity.
type Claims struct {
	Subject  string   `json:"sub"`
	Issuer   string   `json:"iss"`
	Audience string   `json:"aud"`
	Scopes   []string `json:"scopes"`
}

// Credential is a downstream credential issued in exchange for a validated
// identity, with the issuer-specified time to live.
type Credential struct {
	Token string
	TTL   time.Duration
}

// Validator validates a presented bearer token and returns the caller's
// claims.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// Exchanger exchanges validated claims for a downstream credential.
type Exchanger interface {
	Exchange(ctx context.Context, claims *Claims) (Credential, error)
}
