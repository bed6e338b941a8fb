// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package postgres stores conversations in PostgreSQL through gorm.
//
// Message order is carried by an auto-increment sequence column rather than
// by timestamps, so ordering stays total across several service replicas
// sharing one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
)

// Config configures the Postgres store.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string
	// AutoMigrate creates or updates the tables on open.
	AutoMigrate bool
	// LogLevel is gorm's log level. Zero means warnings only.
	LogLevel logger.LogLevel
}

type conversationRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `gorm:"index;not null"`
	Title     string    `gorm:"not null"`
	Model     string    `gorm:"type:varchar(128)"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"index;autoUpdateTime:false"`
}

func (conversationRecord) TableName() string { return "conversations" }

type messageRecord struct {
	Seq            int64     `gorm:"primaryKey;autoIncrement"`
	ID             string    `gorm:"uniqueIndex;type:varchar(64);not null"`
	ConversationID string    `gorm:"index;type:varchar(64);not null"`
	Sender         string    `gorm:"type:varchar(16);not null"`
	Text           string    `gorm:"type:text"`
	Status         string    `gorm:"type:varchar(16);not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
}

func (messageRecord) TableName() string { return "messages" }

func (r *conversationRecord) toConversation() *datatypes.Conversation {
	return &datatypes.Conversation{
		ID:        r.ID,
		UserID:    r.UserID,
		Title:     r.Title,
		Model:     r.Model,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (r *messageRecord) toMessage() datatypes.Message {
	return datatypes.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		Sender:         r.Sender,
		Text:           r.Text,
		Status:         datatypes.MessageStatus(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
	}
}

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db    *gorm.DB
	clock *storage.Clock
}

var _ storage.Store = (*Store)(nil)

// NewStore connects to Postgres and optionally migrates the schema.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	level := cfg.LogLevel
	if level == 0 {
		level = logger.Warn
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &Store{db: db, clock: storage.NewClock()}
	if cfg.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(&conversationRecord{}, &messageRecord{}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("migrate postgres schema: %w", err)
		}
	}
	return s, nil
}

// CreateConversation implements storage.Store.
func (s *Store) CreateConversation(ctx context.Context, conv *datatypes.Conversation) error {
	rec := conversationRecord{
		ID:        conv.ID,
		UserID:    conv.UserID,
		Title:     conv.Title,
		Model:     conv.Model,
		CreatedAt: conv.CreatedAt,
		UpdatedAt: conv.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// FindConversation implements storage.Store.
func (s *Store) FindConversation(ctx context.Context, id, ownerID string) (*datatypes.Conversation, error) {
	rec, err := findOwned(s.db.WithContext(ctx), id, ownerID)
	if err != nil {
		return nil, err
	}
	return rec.toConversation(), nil
}

// DeleteConversation implements storage.Store.
func (s *Store) DeleteConversation(ctx context.Context, id, ownerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := findOwned(tx, id, ownerID); err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&messageRecord{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&conversationRecord{}).Error; err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
}

// ListConversations implements storage.Store.
func (s *Store) ListConversations(ctx context.Context, ownerID string, offset, limit int) ([]datatypes.Conversation, int64, error) {
	db := s.db.WithContext(ctx)
	var total int64
	if err := db.Model(&conversationRecord{}).Where("user_id = ?", ownerID).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	q := db.Where("user_id = ?", ownerID).Order("updated_at DESC").Offset(max(offset, 0))
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []conversationRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]datatypes.Conversation, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].toConversation())
	}
	return out, total, nil
}

// AppendMessage implements storage.Store.
func (s *Store) AppendMessage(ctx context.Context, conversationID, sender, text string, status datatypes.MessageStatus) (*datatypes.Message, error) {
	rec := messageRecord{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Text:           text,
		Status:         string(status),
		CreatedAt:      s.clock.Now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationRecord{}).Where("id = ?", conversationID).Update("updated_at", rec.CreatedAt)
		if res.Error != nil {
			return fmt.Errorf("touch conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return storage.ErrNotFound
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg := rec.toMessage()
	return &msg, nil
}

// ListRecentMessages implements storage.Store.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	if limit <= 0 {
		return []datatypes.Message{}, nil
	}
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	slices.Reverse(recs)
	return toMessages(recs), nil
}

// ListMessages implements storage.Store.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return toMessages(recs), nil
}

// LastMessage implements storage.Store.
func (s *Store) LastMessage(ctx context.Context, conversationID string) (*datatypes.Message, error) {
	var rec messageRecord
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	msg := rec.toMessage()
	return &msg, nil
}

// CountMessages implements storage.Store.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&messageRecord{}).Where("conversation_id = ?", conversationID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Close implements storage.Store.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func findOwned(db *gorm.DB, id, ownerID string) (*conversationRecord, error) {
	var rec conversationRecord
	err := db.Where("id = ? AND user_id = ?", id, ownerID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return &rec, nil
}

func toMessages(recs []messageRecord) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toMessage())
	}
	return out
}
