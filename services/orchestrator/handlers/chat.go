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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/conversation"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/middleware"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var chatTracer = otel.Tracer("aleutian.orchestrator.handlers")

// Client-facing error messages. Details stay in the logs.
const (
	MsgInvalidBody     = "Invalid request body"
	MsgMessageRequired = "Message is required"
	MsgMessageTooLarge = "Message is too large"
	MsgNotFound        = "Conversation not found or not authorized"
	MsgChatServerError = "Server error during chat message processing"
	MsgServerError     = "Server error"
)

// ChatOptions tunes HandleSendMessage.
type ChatOptions struct {
	Metrics           *observability.ChatMetrics
	KeepAliveInterval time.Duration
	Logger            *slog.Logger
}

// HandleSendMessage handles POST /api/chat/send.
//
// # Description
//
// Binds and validates a SendMessageRequest, then hands the turn to the
// conversation service with an emitter bound to this response. With
// "stream": true the answer is delivered as Server-Sent Events, otherwise as
// one JSON body.
//
// # Inputs
//
//   - svc: The conversation service.
//   - opts: Metrics, keepalive interval and logger. Zero values are fine.
//
// # Outputs
//
//   - 200 with SendMessageResponse, or an event stream.
//   - 400, 401, 404 or 500 with {"message"} if the turn fails before the
//     answer starts.
func HandleSendMessage(svc *conversation.Service, opts ChatOptions) gin.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleSendMessage")
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		var req datatypes.SendMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			logger.Warn("invalid chat request body", "error", err)
			span.SetStatus(codes.Error, "invalid body")
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Message: MsgInvalidBody})
			return
		}
		if err := req.Validate(); err != nil {
			span.SetStatus(codes.Error, "validation failed")
			status, msg := validationError(err, middleware.UserID(c))
			c.JSON(status, datatypes.ErrorResponse{Message: msg})
			return
		}
		span.SetAttributes(
			attribute.Bool("chat.stream", req.Stream),
			attribute.String("chat.conversation_id", req.ConversationID),
		)

		em := newGinEmitter(c, opts.Metrics, opts.KeepAliveInterval)
		err := svc.Send(ctx, conversation.SendRequest{
			UserID:         middleware.UserID(c),
			ConversationID: req.ConversationID,
			Message:        req.Message,
			Stream:         req.Stream,
		}, em)
		if err == nil {
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if em.Streaming() || c.Writer.Written() {
			logger.Error("chat turn failed after response started", "error", err)
			return
		}
		status, msg := sendErrorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Error("chat turn failed", "error", err, "conversationId", req.ConversationID)
		}
		c.JSON(status, datatypes.ErrorResponse{Message: msg})
	}
}

// sendErrorResponse maps a Send error to a status and a sanitized message.
func sendErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		return http.StatusUnauthorized, middleware.UnauthenticatedMessage
	case errors.Is(err, conversation.ErrValidation):
		return http.StatusBadRequest, MsgMessageRequired
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, MsgNotFound
	default:
		return http.StatusInternalServerError, MsgChatServerError
	}
}

// validationError maps the first failing field of a SendMessageRequest to a
// status and message. An over-long conversation id cannot name a stored
// conversation, so it is answered like any unknown id.
func validationError(err error, userID string) (int, string) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return http.StatusBadRequest, MsgInvalidBody
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Message":
		if fe.Tag() == "required" {
			return http.StatusBadRequest, MsgMessageRequired
		}
		return http.StatusBadRequest, MsgMessageTooLarge
	case "ConversationID":
		if userID == "" {
			return sendErrorResponse(conversation.ErrUnauthenticated)
		}
		return sendErrorResponse(conversation.ErrNotFound)
	default:
		return http.StatusBadRequest, MsgInvalidBody
	}
}
