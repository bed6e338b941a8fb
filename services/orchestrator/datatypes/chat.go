// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the request, response and record types shared by
// the chat service's handlers, orchestrator and stores.
//
// This file contains the HTTP request and response bodies of the chat API.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	MaxMessageContentBytes = 32 * 1024

	// MaxConversationIDLength bounds client-supplied conversation ids.
	MaxConversationIDLength = 64

	// DefaultHistoryPageSize is used when the client does not pass a limit.
	DefaultHistoryPageSize = 10

	// MaxHistoryPageSize caps the history page size.
	MaxHistoryPageSize = 100
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes checks byte length, not rune count, so that large
// multi-byte payloads are rejected too.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Send Message
// =============================================================================

// SendMessageRequest is the body of POST /api/chat/send.
//
// # Fields
//
//   - ConversationID: Optional. Continue an existing conversation. Empty
//     starts a new one.
//   - Message: Required. The user's message, at most 32KB.
//   - Stream: Optional. Deliver the answer as server-sent events.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId" validate:"omitempty,max=64"`
	Message        string `json:"message" validate:"required,maxbytes"`
	Stream         bool   `json:"stream"`
}

// Validate checks the request against its validator tags.
func (r *SendMessageRequest) Validate() error {
	return chatValidate.Struct(r)
}

// SendMessageResponse is the buffered answer to a send request.
type SendMessageResponse struct {
	ConversationID string `json:"conversationId"`
	Response       string `json:"response"`
	MessageID      string `json:"messageId"`
}

// StreamChunk is the data payload of one streamed fragment event.
type StreamChunk struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
}

// ErrorResponse is the body of every error response, and the data payload of
// a stream error event.
type ErrorResponse struct {
	Message string `json:"message"`
}

// =============================================================================
// History
// =============================================================================

// HistoryResponse is the body of GET /api/chat/history.
type HistoryResponse struct {
	Conversations      []ConversationSummary `json:"conversations"`
	CurrentPage        int                   `json:"currentPage"`
	TotalPages         int                   `json:"totalPages"`
	TotalConversations int64                 `json:"totalConversations"`
}

// ConversationInfo is the conversation header of a detail response.
type ConversationInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"llmModel"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationDetailResponse is the body of GET /api/chat/history/:id.
type ConversationDetailResponse struct {
	Conversation ConversationInfo `json:"conversation"`
	Messages     []Message        `json:"messages"`
}
