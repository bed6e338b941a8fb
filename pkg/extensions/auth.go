// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions holds the pluggable identity layer of the chat service.
//
// The service never authenticates users itself. An AuthProvider turns the
// bearer token of a request into an AuthInfo, and everything downstream
// keys ownership on AuthInfo.UserID. Two providers ship here:
//
//   - NopAuthProvider: single-user local deployments; every request is
//     "local-user".
//   - StaticTokenProvider: a fixed token-to-user table, loaded from the
//     AUTH_TOKENS setting ("token:userID,token:userID").
//
// Deployments behind a real identity provider implement AuthProvider.
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthorized is returned when a token is missing or unknown.
// Implementations should wrap it with context.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity of an authenticated caller.
type AuthInfo struct {
	// UserID owns conversations. Never empty on a successful Validate.
	UserID string

	// Email may be empty.
	Email string

	// Roles such as "admin". May be empty.
	Roles []string
}

// HasRole reports whether the caller has role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates authentication tokens and returns user identity.
type AuthProvider interface {
	// Validate returns the identity behind token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider authenticates every request as "local-user".
type NopAuthProvider struct{}

// Validate ignores the token.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{"admin"}}, nil
}

type tokenEntry struct {
	token  []byte
	userID string
}

// StaticTokenProvider authenticates against a fixed token table.
//
// Tokens are compared in constant time. The table is read-only after
// construction.
type StaticTokenProvider struct {
	entries []tokenEntry
}

// NewStaticTokenProvider builds a provider from token to user id pairs.
func NewStaticTokenProvider(tokens map[string]string) (*StaticTokenProvider, error) {
	if len(tokens) == 0 {
		return nil, errors.New("static token provider needs at least one token")
	}
	p := &StaticTokenProvider{entries: make([]tokenEntry, 0, len(tokens))}
	for token, userID := range tokens {
		if token == "" || userID == "" {
			return nil, errors.New("static token provider: empty token or user id")
		}
		p.entries = append(p.entries, tokenEntry{token: []byte(token), userID: userID})
	}
	return p, nil
}

// ParseTokenList parses "token:userID" pairs separated by commas. Whitespace
// around pairs is ignored; the user id is everything after the first colon.
func ParseTokenList(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, ":")
		token, userID = strings.TrimSpace(token), strings.TrimSpace(userID)
		if !ok || token == "" || userID == "" {
			return nil, fmt.Errorf("malformed auth token entry %q, want token:userID", redact(pair))
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("duplicate auth token for user %q", userID)
		}
		out[token] = userID
	}
	return out, nil
}

// Validate looks the token up. Every entry is compared so that timing does
// not reveal which prefix matched.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	candidate := []byte(token)
	var userID string
	for _, e := range p.entries {
		if subtle.ConstantTimeCompare(e.token, candidate) == 1 {
			userID = e.userID
		}
	}
	if userID == "" {
		return nil, fmt.Errorf("unknown bearer token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: userID}, nil
}

// redact keeps the shape of a malformed entry without echoing a secret.
func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-2)
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenProvider)(nil)
)
