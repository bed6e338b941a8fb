// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"
)

// Message sender roles.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderSystem    = "system"
)

// MessageStatus is the lifecycle status of a persisted message.
type MessageStatus string

const (
	// StatusSent marks a user message accepted before the provider call.
	StatusSent MessageStatus = "sent"
	// StatusReceived marks an assistant answer, complete or partial.
	StatusReceived MessageStatus = "received"
	// StatusError marks a message whose delivery failed.
	StatusError MessageStatus = "error"
)

// Conversation is a persisted chat thread owned by one user.
//
// Title is derived from the first message when the conversation is created
// and is never recomputed. UpdatedAt moves on every appended message.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Model     string    `json:"llmModel"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one persisted turn. Messages of a conversation are totally
// ordered by CreatedAt.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	Sender         string        `json:"sender"`
	Text           string        `json:"text"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"timestamp"`
}

// ConversationSummary is one row of the history listing.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastMessage  string    `json:"lastMessage"`
	Timestamp    time.Time `json:"timestamp"`
	MessageCount int64     `json:"messageCount"`
}
