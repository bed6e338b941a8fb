// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createConversation(t *testing.T, s *Store, userID, title string) *datatypes.Conversation {
	t.Helper()
	now := time.Now().UTC()
	conv := &datatypes.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     title,
		Model:     "test-model",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateConversation(context.Background(), conv))
	return conv
}

func appendN(t *testing.T, s *Store, convID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		sender := datatypes.SenderUser
		if i%2 == 0 {
			sender = datatypes.SenderAssistant
		}
		_, err := s.AppendMessage(context.Background(), convID, sender, fmt.Sprintf("m%d", i), datatypes.StatusSent)
		require.NoError(t, err)
	}
}

func texts(msgs []datatypes.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

// =============================================================================
// Database Lifecycle
// =============================================================================

func TestOpenDB_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.Error(t, err)
}

func TestOpenDB_Persistent(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour
	s, err := NewStore(cfg)
	require.NoError(t, err)
	conv := createConversation(t, s, "u1", "persisted")
	require.NoError(t, s.Close())

	s, err = NewStore(DefaultConfig(dir))
	require.NoError(t, err)
	defer s.Close()
	got, err := s.FindConversation(context.Background(), conv.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Title)
}

func TestWithTxn_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.FindConversation(ctx, "x", "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Conversations
// =============================================================================

func TestStore_FindConversation_Ownership(t *testing.T) {
	s := newTestStore(t)
	conv := createConversation(t, s, "alice", "hello")

	got, err := s.FindConversation(context.Background(), conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, conv.Title, got.Title)
	assert.Equal(t, "test-model", got.Model)

	_, err = s.FindConversation(context.Background(), conv.ID, "mallory")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.FindConversation(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_CreateConversation_Duplicate(t *testing.T) {
	s := newTestStore(t)
	conv := createConversation(t, s, "alice", "hello")
	assert.Error(t, s.CreateConversation(context.Background(), conv))
}

// TestStore_DeleteConversation_Cascades verifies that deleting a conversation
// removes its messages and drops it from history.
func TestStore_DeleteConversation_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	keep := createConversation(t, s, "alice", "keep")
	drop := createConversation(t, s, "alice", "drop")
	appendN(t, s, keep.ID, 2)
	appendN(t, s, drop.ID, 5)

	require.NoError(t, s.DeleteConversation(ctx, drop.ID, "alice"))

	_, err := s.FindConversation(ctx, drop.ID, "alice")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	n, err := s.CountMessages(ctx, drop.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	convs, total, err := s.ListConversations(ctx, "alice", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, convs, 1)
	assert.Equal(t, keep.ID, convs[0].ID)

	n, err = s.CountMessages(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStore_DeleteConversation_NotOwned(t *testing.T) {
	s := newTestStore(t)
	conv := createConversation(t, s, "alice", "mine")

	err := s.DeleteConversation(context.Background(), conv.ID, "mallory")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.FindConversation(context.Background(), conv.ID, "alice")
	assert.NoError(t, err)
}

func TestStore_ListConversations_OrderAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := createConversation(t, s, "alice", "first")
	second := createConversation(t, s, "alice", "second")
	third := createConversation(t, s, "alice", "third")
	createConversation(t, s, "bob", "not alice's")

	// Touch in an order that differs from creation order.
	appendN(t, s, third.ID, 1)
	appendN(t, s, first.ID, 1)
	appendN(t, s, second.ID, 1)

	convs, total, err := s.ListConversations(ctx, "alice", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, first.ID, convs[1].ID)

	convs, _, err = s.ListConversations(ctx, "alice", 2, 2)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, third.ID, convs[0].ID)

	convs, total, err = s.ListConversations(ctx, "alice", 10, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Empty(t, convs)
}

// =============================================================================
// Messages
// =============================================================================

func TestStore_AppendMessage_BumpsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := createConversation(t, s, "alice", "t")

	msg, err := s.AppendMessage(ctx, conv.ID, datatypes.SenderUser, "hi", datatypes.StatusSent)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, datatypes.StatusSent, msg.Status)

	got, err := s.FindConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.True(t, got.UpdatedAt.Equal(msg.CreatedAt))
	assert.Equal(t, "t", got.Title)
}

func TestStore_AppendMessage_UnknownConversation(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AppendMessage(context.Background(), "nope", datatypes.SenderUser, "hi", datatypes.StatusSent)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestStore_ListRecentMessages verifies the window holds the newest messages
// in ascending order.
func TestStore_ListRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := createConversation(t, s, "alice", "t")
	appendN(t, s, conv.ID, 15)

	msgs, err := s.ListRecentMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m6", "m7", "m8", "m9", "m10", "m11", "m12", "m13", "m14", "m15"}, texts(msgs))

	msgs, err = s.ListRecentMessages(ctx, conv.ID, 100)
	require.NoError(t, err)
	assert.Len(t, msgs, 15)

	msgs, err = s.ListRecentMessages(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestStore_ListMessagesAndLast(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := createConversation(t, s, "alice", "t")

	_, err := s.LastMessage(ctx, conv.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	appendN(t, s, conv.ID, 3)

	msgs, err := s.ListMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m3"}, texts(msgs))
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
	}

	last, err := s.LastMessage(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "m3", last.Text)
	assert.Equal(t, datatypes.SenderUser, last.Sender)

	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

// TestStore_ConcurrentAppends verifies that racing turns on one conversation
// all persist.
func TestStore_ConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := createConversation(t, s, "alice", "t")

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, conv.ID, datatypes.SenderUser, fmt.Sprintf("w%d", i), datatypes.StatusSent)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	n, err := s.CountMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), n)
}
