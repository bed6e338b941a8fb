// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation runs one chat turn end to end.
//
// # Description
//
// Service resolves or creates the conversation, persists the user turn,
// assembles the context window, dispatches to the injected llm.Provider and
// hands the answer to an Emitter, either as one reply or as a stream of
// fragments. The assistant turn is persisted once, with whatever text was
// produced, even when the stream fails or the client goes away.
//
// # Thread Safety
//
// Service is safe for concurrent use. Each Send call owns its Emitter.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/aleutian-chat/services/llm"
	"github.com/AleutianAI/aleutian-chat/services/llm/normalize"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/observability"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
)

var tracer = otel.Tracer("aleutian.orchestrator.conversation")

const (
	// DefaultProviderTimeout bounds one provider dispatch, including stream
	// consumption.
	DefaultProviderTimeout = 2 * time.Minute

	// MaxTitleRunes is the length of a title derived from the first message.
	MaxTitleRunes = 50

	// StreamErrorMessage is the only error text a streaming client sees.
	StreamErrorMessage = "Stream error"
)

// SendRequest is one user turn.
type SendRequest struct {
	UserID         string
	ConversationID string
	Message        string
	Stream         bool
}

// Reply is a complete, buffered answer.
type Reply struct {
	ConversationID string
	Text           string
	MessageID      string
}

// Emitter delivers a turn's answer to the client.
//
// Send calls either Reply once, or BeginStream followed by any number of
// StreamFragment calls, at most one StreamError, and exactly one StreamEnd.
// A non-nil error from StreamFragment means the client is gone; Send stops
// reading the provider and keeps what it has.
type Emitter interface {
	Reply(reply Reply) error
	BeginStream(conversationID string) error
	StreamFragment(content string) error
	StreamError(message string) error
	StreamEnd() error
}

// Service is the completion orchestrator.
type Service struct {
	store     storage.Store
	provider  llm.Provider
	assembler *Assembler
	timeout   time.Duration
	metrics   *observability.ChatMetrics
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithProviderTimeout overrides DefaultProviderTimeout.
func WithProviderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMetrics records turn metrics on m.
func WithMetrics(m *observability.ChatMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires a Service. A nil assembler gets a default one over store
// with search disabled.
func NewService(store storage.Store, provider llm.Provider, assembler *Assembler, opts ...Option) *Service {
	if assembler == nil {
		assembler = NewAssembler(store, nil)
	}
	s := &Service{
		store:     store,
		provider:  provider,
		assembler: assembler,
		timeout:   DefaultProviderTimeout,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Provider returns the injected provider.
func (s *Service) Provider() llm.Provider { return s.provider }

// Send runs one turn and delivers the answer through em.
//
// # Outputs
//
//   - error: ErrUnauthenticated, ErrValidation or ErrNotFound before anything
//     is persisted; a provider or storage error before the answer starts,
//     including a stream whose first read fails.
//     Once streaming has begun, failures are delivered as stream events and
//     Send returns nil.
func (s *Service) Send(ctx context.Context, req SendRequest, em Emitter) (err error) {
	mode := observability.ModeBuffered
	if req.Stream {
		mode = observability.ModeStream
	}

	ctx, span := tracer.Start(ctx, "conversation.Send")
	span.SetAttributes(
		attribute.Bool("chat.stream", req.Stream),
		attribute.Bool("chat.new_conversation", req.ConversationID == ""),
		attribute.Int("chat.message_bytes", len(req.Message)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.metrics.RecordError(mode, errorCode(err))
		}
		s.metrics.RecordTurn(mode, err == nil)
		span.End()
	}()

	if req.UserID == "" {
		return ErrUnauthenticated
	}
	if strings.TrimSpace(req.Message) == "" {
		return ErrValidation
	}

	conv, err := s.resolveConversation(ctx, req)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("chat.conversation_id", conv.ID))

	if _, err := s.store.AppendMessage(ctx, conv.ID, datatypes.SenderUser, req.Message, datatypes.StatusSent); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	messages, err := s.assembler.Assemble(ctx, conv.ID, req.Message)
	if err != nil {
		return err
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	defer func() {
		s.metrics.RecordDispatch(s.provider.Name(), mode, time.Since(start).Seconds())
	}()

	if !req.Stream {
		return s.sendBuffered(ctx, dispatchCtx, conv.ID, messages, em)
	}

	completion, err := s.provider.Complete(dispatchCtx, messages, true)
	if err != nil {
		return fmt.Errorf("start completion stream: %w", err)
	}
	if !completion.IsStream() {
		return s.sendBuffered(ctx, dispatchCtx, conv.ID, messages, em)
	}
	stream, err := primeStream(completion.Stream)
	if err != nil {
		return fmt.Errorf("start completion stream: %w", err)
	}
	s.sendStream(ctx, stream, conv.ID, start, em)
	return nil
}

// primeStream pulls the first item of a lazy stream so that a backend which
// only reports failure on the first read fails the turn before any answer
// has started. The returned stream replays that item and then the rest.
func primeStream(stream llm.Stream) (llm.Stream, error) {
	next, stop := iter.Pull2(iter.Seq2[any, error](stream))
	first, err, ok := next()
	if !ok {
		stop()
		return func(func(any, error) bool) {}, nil
	}
	if err != nil {
		stop()
		return nil, err
	}
	return func(yield func(any, error) bool) {
		defer stop()
		if !yield(first, nil) {
			return
		}
		for {
			v, err, ok := next()
			if !ok || !yield(v, err) {
				return
			}
		}
	}, nil
}

// resolveConversation loads the caller's conversation or creates a new one
// titled from the message.
func (s *Service) resolveConversation(ctx context.Context, req SendRequest) (*datatypes.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := s.store.FindConversation(ctx, req.ConversationID, req.UserID)
		if err != nil {
			return nil, notFound("find conversation", err)
		}
		return conv, nil
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	conv := &datatypes.Conversation{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     Title(req.Message),
		Model:     s.provider.Model(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// sendBuffered completes without streaming, persists the answer and replies.
func (s *Service) sendBuffered(ctx, dispatchCtx context.Context, conversationID string, messages []llm.Message, em Emitter) error {
	completion, err := s.provider.Complete(dispatchCtx, messages, false)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}

	var text string
	if completion != nil {
		if completion.IsStream() {
			text = normalize.ExtractComplete(completion.Stream)
		} else {
			text = normalize.ExtractComplete(completion.Response)
		}
	}

	msg, err := s.store.AppendMessage(ctx, conversationID, datatypes.SenderAssistant, text, datatypes.StatusReceived)
	if err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return em.Reply(Reply{ConversationID: conversationID, Text: text, MessageID: msg.ID})
}

// sendStream forwards fragments as they arrive and persists the accumulated
// text once the stream is over. It never returns an error: from here on
// failures are stream events.
func (s *Service) sendStream(ctx context.Context, stream llm.Stream, conversationID string, start time.Time, em Emitter) {
	s.metrics.StreamStarted()
	defer s.metrics.StreamEnded()

	logger := s.logger.With("conversationId", conversationID)
	if err := em.BeginStream(conversationID); err != nil {
		logger.Warn("failed to begin stream", "error", err)
	}

	var (
		sb        strings.Builder
		readErr   error
		gone      bool
		fragments int
	)
	for fragment, err := range stream {
		if err != nil {
			readErr = err
			break
		}
		piece := normalize.ExtractFragment(fragment)
		if piece == "" {
			continue
		}
		if fragments == 0 {
			s.metrics.RecordTimeToFirstFragment(s.provider.Name(), time.Since(start).Seconds())
		}
		fragments++
		sb.WriteString(piece)
		if err := em.StreamFragment(piece); err != nil {
			gone = true
			break
		}
	}

	switch {
	case gone:
		logger.Info("client disconnected mid-stream", "fragments", fragments)
		s.metrics.RecordClientDisconnect()
	case readErr != nil:
		logger.Error("stream read failed", "error", readErr, "fragments", fragments)
		code := observability.ErrorCodeStreamRead
		if errors.Is(readErr, context.DeadlineExceeded) {
			code = observability.ErrorCodeTimeout
		}
		s.metrics.RecordError(observability.ModeStream, code)
		if err := em.StreamError(StreamErrorMessage); err != nil {
			logger.Debug("failed to write stream error event", "error", err)
		}
	}
	if err := em.StreamEnd(); err != nil && !gone {
		logger.Debug("failed to write stream end", "error", err)
	}

	// The client may be gone; the answer is still recorded.
	persistCtx := context.WithoutCancel(ctx)
	if _, err := s.store.AppendMessage(persistCtx, conversationID, datatypes.SenderAssistant, sb.String(), datatypes.StatusReceived); err != nil {
		logger.Error("failed to persist streamed assistant message", "error", err)
	}
}

// Title derives a conversation title from its first message: the first
// MaxTitleRunes runes, with no ellipsis.
func Title(message string) string {
	if utf8.RuneCountInString(message) <= MaxTitleRunes {
		return message
	}
	return string([]rune(message)[:MaxTitleRunes])
}

func errorCode(err error) observability.ErrorCode {
	var perr *llm.ProviderError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrUnauthenticated):
		return observability.ErrorCodeValidation
	case errors.Is(err, ErrNotFound):
		return observability.ErrorCodeNotFound
	case errors.Is(err, llm.ErrProviderUnavailable):
		return observability.ErrorCodeProviderUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return observability.ErrorCodeTimeout
	case errors.As(err, &perr):
		return observability.ErrorCodeProviderError
	default:
		return observability.ErrorCodeInternal
	}
}
