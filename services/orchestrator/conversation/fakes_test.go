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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aleutian-chat/services/llm"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	badgerstore "github.com/AleutianAI/aleutian-chat/services/orchestrator/storage/badger"
	"github.com/AleutianAI/aleutian-chat/services/search"
)

// =============================================================================
// Test Fakes
// =============================================================================

type providerCall struct {
	messages []llm.Message
	stream   bool
}

// fakeProvider answers with whatever complete returns and records each call.
type fakeProvider struct {
	mu       sync.Mutex
	calls    []providerCall
	complete func(ctx context.Context, messages []llm.Message, stream bool) (*llm.Completion, error)
}

func (p *fakeProvider) Name() string  { return "fake" }
func (p *fakeProvider) Model() string { return "fake-model" }

func (p *fakeProvider) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1}, nil
}

func (p *fakeProvider) Complete(ctx context.Context, messages []llm.Message, stream bool) (*llm.Completion, error) {
	p.mu.Lock()
	p.calls = append(p.calls, providerCall{messages: messages, stream: stream})
	p.mu.Unlock()
	return p.complete(ctx, messages, stream)
}

func (p *fakeProvider) Calls() []providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]providerCall(nil), p.calls...)
}

// chatResponse is a buffered response in the chat-completions shape.
func chatResponse(text string) map[string]any {
	return map[string]any{
		"choices": []any{
			map[string]any{"message": map[string]any{"role": "assistant", "content": text}},
		},
	}
}

// deltaStream yields one chat-completions delta chunk per piece, then err
// if it is non-nil.
func deltaStream(pieces []string, err error) llm.Stream {
	return func(yield func(any, error) bool) {
		for _, p := range pieces {
			chunk := map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": p}}},
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// answering returns a provider that answers text when buffered and yields
// pieces when asked to stream.
func answering(text string, pieces ...string) *fakeProvider {
	return &fakeProvider{
		complete: func(_ context.Context, _ []llm.Message, stream bool) (*llm.Completion, error) {
			if stream {
				return &llm.Completion{Stream: deltaStream(pieces, nil)}, nil
			}
			return &llm.Completion{Response: chatResponse(text)}, nil
		},
	}
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	results []search.Result
	err     error
}

func (s *fakeSearcher) Search(_ context.Context, query string) ([]search.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return s.results, s.err
}

func (s *fakeSearcher) Queries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// recordingEmitter records every call as a short event string. When
// failAfter is positive, StreamFragment fails once that many fragments were
// delivered, simulating a client that went away.
type recordingEmitter struct {
	events    []string
	reply     *Reply
	failAfter int
	delivered int
}

func (e *recordingEmitter) Reply(r Reply) error {
	e.reply = &r
	e.events = append(e.events, "reply:"+r.Text)
	return nil
}

func (e *recordingEmitter) BeginStream(conversationID string) error {
	e.events = append(e.events, "begin")
	return nil
}

func (e *recordingEmitter) StreamFragment(content string) error {
	if e.failAfter > 0 && e.delivered >= e.failAfter {
		return errors.New("client gone")
	}
	e.delivered++
	e.events = append(e.events, "fragment:"+content)
	return nil
}

func (e *recordingEmitter) StreamError(message string) error {
	e.events = append(e.events, "error:"+message)
	return nil
}

func (e *recordingEmitter) StreamEnd() error {
	e.events = append(e.events, "end")
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func newTestStore(t *testing.T) *badgerstore.Store {
	t.Helper()
	s, err := badgerstore.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, store *badgerstore.Store, userID, title string, texts ...string) *datatypes.Conversation {
	t.Helper()
	ctx := context.Background()
	conv := &datatypes.Conversation{ID: fmt.Sprintf("conv-%s-%s", userID, strings.ReplaceAll(title, " ", "-")), UserID: userID, Title: title}
	require.NoError(t, store.CreateConversation(ctx, conv))
	for i, text := range texts {
		sender := datatypes.SenderUser
		if i%2 == 1 {
			sender = datatypes.SenderAssistant
		}
		_, err := store.AppendMessage(ctx, conv.ID, sender, text, datatypes.StatusSent)
		require.NoError(t, err)
	}
	return conv
}

func messageTexts(msgs []datatypes.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
