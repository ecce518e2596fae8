// Package creds resolves connection secrets for integrations. Secrets are
// stored encrypted on the integration row and decrypted on demand; the
// decrypted form is read-only and never logged.
package creds

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// Store maps (tenant, integration) to a decrypted secret blob. The blob
// is opaque here; interpretation belongs to the adapter.
type Store interface {
	GetCredentials(ctx context.Context, tenantID, integrationID int64) ([]byte, error)
}

// ErrWrongTenant is returned when an integration does not belong to the
// requesting tenant.
var ErrWrongTenant = errors.New("integration belongs to a different tenant")

// integrationSource is the subset of the relational store creds needs.
type integrationSource interface {
	GetIntegrationCredentials(ctx context.Context, tenantID, integrationID int64) ([]byte, error)
}

// SQLStore decrypts secrets stored on integration rows with AES-GCM.
type SQLStore struct {
	source integrationSource
	aead   cipher.AEAD
}

// NewSQLStore derives the AES key from the configured secret.
func NewSQLStore(source integrationSource, key string) (*SQLStore, error) {
	if key == "" {
		return nil, fmt.Errorf("credentials encryption key is required")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &SQLStore{source: source, aead: aead}, nil
}

// GetCredentials implements Store.
func (s *SQLStore) GetCredentials(ctx context.Context, tenantID, integrationID int64) ([]byte, error) {
	sealed, err := s.source.GetIntegrationCredentials(ctx, tenantID, integrationID)
	if err != nil {
		return nil, err
	}
	return s.open(sealed)
}

// Seal encrypts a secret for storage. Used by admin provisioning flows.
func (s *SQLStore) Seal(secret []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, secret, nil), nil
}

func (s *SQLStore) open(sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("sealed credentials too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	secret, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return secret, nil
}
