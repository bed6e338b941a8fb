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
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
)

// maxConflictRetries bounds retries of a read-modify-write transaction that
// lost an optimistic concurrency race.
const maxConflictRetries = 16

// Store implements storage.Store on BadgerDB.
type Store struct {
	db    *DB
	clock *storage.Clock
}

var _ storage.Store = (*Store)(nil)

// NewStore opens the database described by cfg and returns a Store over it.
func NewStore(cfg Config) (*Store, error) {
	db, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, clock: storage.NewClock()}, nil
}

// NewInMemoryStore returns a Store backed by an in-memory database.
func NewInMemoryStore() (*Store, error) {
	return NewStore(InMemoryConfig())
}

func convKey(id string) []byte {
	return []byte("conv:" + id)
}

func ownerPrefix(userID string) []byte {
	return []byte("owner:" + userID + ":")
}

func ownerKey(userID, id string) []byte {
	return append(ownerPrefix(userID), id...)
}

func msgPrefix(conversationID string) []byte {
	return []byte("msg:" + conversationID + ":")
}

// msgKey zero-pads the timestamp so lexical order is creation order.
func msgKey(m *datatypes.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d:%s", m.ConversationID, m.CreatedAt.UnixNano(), m.ID))
}

// CreateConversation implements storage.Store.
func (s *Store) CreateConversation(ctx context.Context, conv *datatypes.Conversation) error {
	if conv.ID == "" || conv.UserID == "" {
		return errors.New("conversation id and user id are required")
	}
	val, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(conv.ID)); err == nil {
			return fmt.Errorf("conversation %s already exists", conv.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(convKey(conv.ID), val); err != nil {
			return err
		}
		return txn.Set(ownerKey(conv.UserID, conv.ID), nil)
	})
}

// FindConversation implements storage.Store.
func (s *Store) FindConversation(ctx context.Context, id, ownerID string) (*datatypes.Conversation, error) {
	var conv *datatypes.Conversation
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		conv, err = getOwnedConversation(txn, id, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// DeleteConversation implements storage.Store. The conversation record is
// removed first so it disappears from history even if message cleanup is
// interrupted.
func (s *Store) DeleteConversation(ctx context.Context, id, ownerID string) error {
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if _, err := getOwnedConversation(txn, id, ownerID); err != nil {
			return err
		}
		if err := txn.Delete(convKey(id)); err != nil {
			return err
		}
		return txn.Delete(ownerKey(ownerID, id))
	})
	if err != nil {
		return err
	}

	var keys [][]byte
	err = s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = msgPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list messages of deleted conversation: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// ListConversations implements storage.Store.
func (s *Store) ListConversations(ctx context.Context, ownerID string, offset, limit int) ([]datatypes.Conversation, int64, error) {
	var convs []datatypes.Conversation
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := ownerPrefix(ownerID)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			id := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			conv, err := getOwnedConversation(txn, id, ownerID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			convs = append(convs, *conv)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	slices.SortFunc(convs, func(a, b datatypes.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	total := int64(len(convs))
	if offset < 0 {
		offset = 0
	}
	if offset >= len(convs) {
		return []datatypes.Conversation{}, total, nil
	}
	end := len(convs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return convs[offset:end], total, nil
}

// AppendMessage implements storage.Store.
func (s *Store) AppendMessage(ctx context.Context, conversationID, sender, text string, status datatypes.MessageStatus) (*datatypes.Message, error) {
	msg := &datatypes.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		Status:         status,
	}

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		msg.CreatedAt = s.clock.Now()
		err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			conv, err := getConversation(txn, conversationID)
			if err != nil {
				return err
			}
			val, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("marshal message: %w", err)
			}
			if err := txn.Set(msgKey(msg), val); err != nil {
				return err
			}
			conv.UpdatedAt = msg.CreatedAt
			convVal, err := json.Marshal(conv)
			if err != nil {
				return fmt.Errorf("marshal conversation: %w", err)
			}
			return txn.Set(convKey(conv.ID), convVal)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListRecentMessages implements storage.Store.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	if limit <= 0 {
		return []datatypes.Message{}, nil
	}
	msgs, err := s.scanMessages(ctx, conversationID, true, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// ListMessages implements storage.Store.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	return s.scanMessages(ctx, conversationID, false, 0)
}

// LastMessage implements storage.Store.
func (s *Store) LastMessage(ctx context.Context, conversationID string) (*datatypes.Message, error) {
	msgs, err := s.scanMessages(ctx, conversationID, true, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, storage.ErrNotFound
	}
	return &msgs[0], nil
}

// CountMessages implements storage.Store.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = msgPrefix(conversationID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close implements storage.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// scanMessages walks a conversation's messages oldest first, or newest first
// when reverse is set, stopping after limit messages when limit > 0.
func (s *Store) scanMessages(ctx context.Context, conversationID string, reverse bool, limit int) ([]datatypes.Message, error) {
	msgs := []datatypes.Message{}
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := msgPrefix(conversationID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		// A reverse scan must start past the last key carrying the prefix.
		start := prefix
		if reverse {
			start = append(slices.Clone(prefix), 0xFF)
		}
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			var m datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			msgs = append(msgs, m)
			if limit > 0 && len(msgs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func getConversation(txn *badger.Txn, id string) (*datatypes.Conversation, error) {
	item, err := txn.Get(convKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv datatypes.Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	}); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	return &conv, nil
}

func getOwnedConversation(txn *badger.Txn, id, ownerID string) (*datatypes.Conversation, error) {
	conv, err := getConversation(txn, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != ownerID {
		return nil, storage.ErrNotFound
	}
	return conv, nil
}
