// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the persistence contract of the chat service.
//
// Conversations exclusively own their messages: deleting a conversation
// removes every message in it. Implementations live in the badger (embedded,
// default) and postgres subpackages.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
)

// ErrNotFound is returned when a conversation does not exist or is not owned
// by the requesting user.
var ErrNotFound = errors.New("storage: not found")

// Store persists conversations and their messages.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Concurrent appends to the
// same conversation both persist; the conversation's UpdatedAt reflects the
// last one.
type Store interface {
	// CreateConversation persists a new conversation. ID, UserID and the
	// timestamps must be set by the caller.
	CreateConversation(ctx context.Context, conv *datatypes.Conversation) error

	// FindConversation returns the conversation with id owned by ownerID.
	FindConversation(ctx context.Context, id, ownerID string) (*datatypes.Conversation, error)

	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, id, ownerID string) error

	// ListConversations returns one page of ownerID's conversations, most
	// recently updated first, plus the total count.
	ListConversations(ctx context.Context, ownerID string, offset, limit int) ([]datatypes.Conversation, int64, error)

	// AppendMessage persists a message with a fresh id and a creation time
	// later than every message already stored, and bumps the conversation's
	// UpdatedAt.
	AppendMessage(ctx context.Context, conversationID, sender, text string, status datatypes.MessageStatus) (*datatypes.Message, error)

	// ListRecentMessages returns up to limit of the most recent messages in
	// ascending creation order.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error)

	// ListMessages returns every message in ascending creation order.
	ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error)

	// LastMessage returns the newest message, or ErrNotFound if there is none.
	LastMessage(ctx context.Context, conversationID string) (*datatypes.Message, error)

	// CountMessages returns the number of messages in the conversation.
	CountMessages(ctx context.Context, conversationID string) (int64, error)

	// Close releases the underlying database.
	Close() error
}

// Clock hands out strictly increasing UTC timestamps at microsecond
// resolution, so message order stays total even when two messages are
// appended within the same tick. Microseconds match what Postgres keeps.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock reading the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the next timestamp.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
