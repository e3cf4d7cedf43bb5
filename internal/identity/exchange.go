package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ExchangeConfig holds the settings for the HTTP credential exchange client.
type ExchangeConfig struct {
	Endpoint   string
	Timeout    time.Duration
	DefaultTTL time.Duration // used when the issuer omits expires_in
}

// HTTPExchanger exchanges validated claims for a downstream credential by
// POSTing to a token endpoint. The reply follows the common token response
// shape: {"access_token": "...", "expires_in": 3600}.
type HTTPExchanger struct {
	cfg    ExchangeConfig
	client *http.Client
}

// NewHTTPExchanger creates an Exchanger for the given endpoint.
func NewHTTPExchanger(cfg ExchangeConfig) *HTTPExchanger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Minute
	}
	return &HTTPExchanger{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type exchangeRequest struct {
	Subject  string   `json:"subject"`
	Issuer   string   `json:"issuer"`
	Audience string   `json:"audience"`
	Scopes   []string `json:"scopes,omitempty"`
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Exchange posts the validated claims and returns the issued credential.
func (e *HTTPExchanger) Exchange(ctx context.Context, claims *Claims) (Credential, error) {
	body, err := json.Marshal(exchangeRequest{
		Subject:  claims.Subject,
		Issuer:   claims.Issuer,
		Audience: claims.Audience,
		Scopes:   claims.Scopes,
	})
	if err != nil {
		return Credential{}, fmt.Errorf("encoding exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("building exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("credential exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("credential exchange: endpoint returned %d", resp.StatusCode)
	}

	var er exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return Credential{}, fmt.Errorf("decoding exchange response: %w", err)
	}
	if er.AccessToken == "" {
		return Credential{}, fmt.Errorf("credential exchange: empty access_token in response")
	}

	ttl := e.cfg.DefaultTTL
	if er.ExpiresIn > 0 {
		ttl = time.Duration(er.ExpiresIn) * time.Second
	}

	return Credential{Token: er.AccessToken, TTL: ttl}, nil
}
