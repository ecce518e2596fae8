// Package main implements a mock authentication service for development
// and e2e testing. It serves GET /v1/validate responses from a JSON token
// file, eliminating the need for the real auth collaborator when wiring
// the gateway locally.
//
// Usage:
//
//	mock-auth -tokens /path/to/tokens.json -port 9100
//
// The token file maps bearer tokens to identities:
//
//	{
//	  "dev-token": {"user_id": 1, "tenant_id": 1, "is_admin": true}
//	}
//
// Unknown tokens return 401. Identities without an expires_at never
// expire.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

type identity struct {
	UserID    int64     `json:"user_id"`
	TenantID  int64     `json:"tenant_id"`
	IsAdmin   bool      `json:"is_admin"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type server struct {
	tokens   map[string]identity
	requests atomic.Int64
}

func loadTokens(path string) (map[string]identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tokens map[string]identity
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return tokens, nil
}

func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	ident, ok := s.tokens[bearer]
	if !ok || bearer == "" {
		log.Printf("validate #%d: unknown token", n)
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !ident.ExpiresAt.IsZero() && ident.ExpiresAt.Before(time.Now()) {
		log.Printf("validate #%d: expired token for tenant %d", n, ident.TenantID)
		http.Error(w, `{"error":"token expired"}`, http.StatusUnauthorized)
		return
	}

	log.Printf("validate #%d: tenant %d user %d", n, ident.TenantID, ident.UserID)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ident); err != nil {
		log.Printf("encode identity: %v", err)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","requests":%d}`, s.requests.Load())
}

func main() {
	tokenPath := flag.String("tokens", "tokens.json", "Path to the token file")
	port := flag.Int("port", 9100, "Port to listen on")
	flag.Parse()

	tokens, err := loadTokens(*tokenPath)
	if err != nil {
		log.Fatalf("load tokens: %v", err)
	}
	log.Printf("loaded %d tokens from %s", len(tokens), *tokenPath)

	s := &server{tokens: tokens}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/validate", s.handleValidate)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("mock auth service listening on %s", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
