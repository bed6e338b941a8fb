// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
)

// NoMessagesPlaceholder is the last-message text of an empty conversation.
const NoMessagesPlaceholder = "No messages yet"

// ListConversations returns one page of the user's conversations, most
// recently updated first. page is 1-based; non-positive page or limit fall
// back to 1 and datatypes.DefaultHistoryPageSize, and limit is capped at
// datatypes.MaxHistoryPageSize.
func (s *Service) ListConversations(ctx context.Context, userID string, page, limit int) (*datatypes.HistoryResponse, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = datatypes.DefaultHistoryPageSize
	}
	limit = min(limit, datatypes.MaxHistoryPageSize)

	convs, total, err := s.store.ListConversations(ctx, userID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summaries := make([]datatypes.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		summary, err := s.summarize(ctx, c)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}

	return &datatypes.HistoryResponse{
		Conversations:      summaries,
		CurrentPage:        page,
		TotalPages:         int((total + int64(limit) - 1) / int64(limit)),
		TotalConversations: total,
	}, nil
}

func (s *Service) summarize(ctx context.Context, c datatypes.Conversation) (datatypes.ConversationSummary, error) {
	summary := datatypes.ConversationSummary{
		ID:          c.ID,
		Title:       c.Title,
		LastMessage: NoMessagesPlaceholder,
		Timestamp:   c.UpdatedAt,
	}

	last, err := s.store.LastMessage(ctx, c.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return summary, fmt.Errorf("last message of %s: %w", c.ID, err)
	default:
		summary.LastMessage = last.Text
	}

	n, err := s.store.CountMessages(ctx, c.ID)
	if err != nil {
		return summary, fmt.Errorf("count messages of %s: %w", c.ID, err)
	}
	summary.MessageCount = n
	return summary, nil
}

// GetConversation returns the user's conversation and all of its messages,
// oldest first.
func (s *Service) GetConversation(ctx context.Context, userID, id string) (*datatypes.ConversationDetailResponse, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	conv, err := s.store.FindConversation(ctx, id, userID)
	if err != nil {
		return nil, notFound("find conversation", err)
	}
	messages, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return &datatypes.ConversationDetailResponse{
		Conversation: datatypes.ConversationInfo{
			ID:        conv.ID,
			Title:     conv.Title,
			Model:     conv.Model,
			Timestamp: conv.UpdatedAt,
		},
		Messages: messages,
	}, nil
}

// DeleteConversation removes the user's conversation and all its messages.
func (s *Service) DeleteConversation(ctx context.Context, userID, id string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if err := s.store.DeleteConversation(ctx, id, userID); err != nil {
		return notFound("delete conversation", err)
	}
	s.logger.Info("conversation deleted", "conversationId", id)
	return nil
}
