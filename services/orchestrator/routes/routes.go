// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/aleutian-chat/pkg/extensions"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/conversation"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/handlers"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/middleware"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/observability"
)

// Deps carries everything SetupRoutes wires into the router.
type Deps struct {
	Service *conversation.Service

	// Auth validates bearer tokens. Nil means single-user mode.
	Auth extensions.AuthProvider

	Metrics  *observability.ChatMetrics
	Gatherer prometheus.Gatherer

	RateLimit  middleware.RateLimitConfig
	CORSOrigin string

	KeepAliveInterval time.Duration
	ServiceName       string
	Logger            *slog.Logger
}

// SetupRoutes registers the chat API on router.
//
// # Description
//
// Every request is traced, logged and passes the CORS middleware. /health
// and /metrics are exempt from rate limiting so probes and scrapers are
// never throttled; everything else shares the per-IP limiter. The
// /api/chat group requires an authenticated caller.
//
// # Inputs
//
//   - router: A fresh gin engine.
//   - deps: Service is required. Zero values select defaults elsewhere.
//
// # Outputs
//
// The limiter, so callers can inspect it in tests.
func SetupRoutes(router *gin.Engine, deps Deps) *middleware.RateLimiter {
	if deps.Service == nil {
		panic("routes: nil conversation service")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	auth := deps.Auth
	if auth == nil {
		auth = &extensions.NopAuthProvider{}
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	serviceName := deps.ServiceName
	if serviceName == "" {
		serviceName = "aleutian-chat"
	}

	router.Use(
		otelgin.Middleware(serviceName),
		middleware.RequestLogger(logger),
		middleware.CORS(deps.CORSOrigin),
	)

	router.GET("/health", handlers.HandleHealth(deps.Service.Provider()))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	limiter := middleware.NewRateLimiter(deps.RateLimit)
	limited := router.Group("", limiter.Middleware())
	limited.GET("/", handlers.HandleRoot())

	chat := limited.Group("/api/chat", middleware.AuthMiddleware(auth))
	{
		chat.POST("/send", handlers.HandleSendMessage(deps.Service, handlers.ChatOptions{
			Metrics:           deps.Metrics,
			KeepAliveInterval: deps.KeepAliveInterval,
			Logger:            logger,
		}))
		chat.GET("/history", handlers.HandleListHistory(deps.Service))
		chat.GET("/history/:id", handlers.HandleGetConversation(deps.Service))
		chat.DELETE("/history/:id", handlers.HandleDeleteConversation(deps.Service))
	}
	return limiter
}
