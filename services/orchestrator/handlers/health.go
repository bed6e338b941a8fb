// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"net/http"

	"github.com/AleutianAI/aleutian-chat/services/llm"
	"github.com/gin-gonic/gin"
)

// Banner is the plain-text body of GET /.
const Banner = "Aleutian Chat API is running!"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// HandleRoot answers GET / with the banner.
func HandleRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, Banner)
	}
}

// HandleHealth answers GET /health. The configured provider is reported even
// when it has no credential; chat requests then fail individually.
func HandleHealth(provider llm.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := HealthResponse{Status: "ok"}
		if provider != nil {
			resp.Provider = provider.Name()
			resp.Model = provider.Model()
		}
		c.JSON(http.StatusOK, resp)
	}
}
