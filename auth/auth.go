// Package auth consumes the external authentication service. The core
// only validates bearer tokens at subscriber handshake and on admin
// mutations; issuing tokens belongs to the collaborator.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnauthorized is returned for invalid, expired, or unknown tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the validated caller.
type Identity struct {
	UserID    int64     `json:"user_id"`
	TenantID  int64     `json:"tenant_id"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Validator resolves a bearer token to an identity.
type Validator interface {
	ValidateToken(ctx context.Context, bearer string) (*Identity, error)
}

// HTTPValidator calls the auth collaborator over HTTP.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPValidator creates a validator against the given auth service.
func NewHTTPValidator(baseURL string, client *http.Client) *HTTPValidator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPValidator{baseURL: baseURL, client: client}
}

// ValidateToken implements Validator.
func (v *HTTPValidator) ValidateToken(ctx context.Context, bearer string) (*Identity, error) {
	if bearer == "" {
		return nil, ErrUnauthorized
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/v1/validate", nil)
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call auth service: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("auth service returned %d", resp.StatusCode)
	}

	var ident Identity
	if err := json.NewDecoder(resp.Body).Decode(&ident); err != nil {
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if !ident.ExpiresAt.IsZero() && ident.ExpiresAt.Before(time.Now()) {
		return nil, ErrUnauthorized
	}
	return &ident, nil
}
