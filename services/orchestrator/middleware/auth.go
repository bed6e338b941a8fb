// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides the gin middleware of the chat API.
//
// # Authentication Flow
//
// AuthMiddleware extracts the bearer token, validates it with the configured
// extensions.AuthProvider and stores the resulting AuthInfo in the gin
// context. Handlers read the caller through UserID.
//
//	Request
//	   │
//	   ▼
//	AuthMiddleware ──► provider.Validate(ctx, token) ──► SetAuthInfo
//	   │
//	   ▼
//	Handler (middleware.UserID(c))
//
// Rejected requests never reach a handler and get
// 401 {"message":"User not authenticated"}.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/aleutian-chat/pkg/extensions"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
)

// authInfoKey is the gin context key of the caller's AuthInfo.
const authInfoKey = "aleutian_auth_info"

// UnauthenticatedMessage is the body message of every 401.
const UnauthenticatedMessage = "User not authenticated"

// SetAuthInfo stores the authenticated caller in the gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo returns the authenticated caller, or nil.
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// UserID returns the caller's user id, or "" when the request is not
// authenticated.
func UserID(c *gin.Context) string {
	if info := GetAuthInfo(c); info != nil {
		return info.UserID
	}
	return ""
}

// AuthMiddleware authenticates every request with provider.
//
// # Description
//
// The token comes from "Authorization: Bearer <token>". A missing or
// malformed header yields an empty token, which the provider decides on
// (NopAuthProvider accepts it). Provider failures other than
// ErrUnauthorized are logged and also answered with 401.
//
// # Thread Safety
//
// The returned middleware can be used concurrently.
func AuthMiddleware(provider extensions.AuthProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		authInfo, err := provider.Validate(c.Request.Context(), extractBearerToken(c))
		if err == nil && (authInfo == nil || authInfo.UserID == "") {
			err = extensions.ErrUnauthorized
		}
		if err != nil {
			if !errors.Is(err, extensions.ErrUnauthorized) {
				slog.Error("auth provider failed", "error", err, "path", c.FullPath())
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Message: UnauthenticatedMessage,
			})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// extractBearerToken returns the token of "Authorization: Bearer <token>",
// or "" if the header is missing or uses another scheme. The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
