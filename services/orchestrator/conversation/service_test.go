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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/aleutian-chat/services/llm"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/observability"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
)

func TestTitle(t *testing.T) {
	long := strings.Repeat("abcdefghij", 6)
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"short", "Hello, can you help?", "Hello, can you help?"},
		{"exactly fifty", long[:50], long[:50]},
		{"truncated without ellipsis", long, long[:50]},
		{"multibyte", strings.Repeat("é", 60), strings.Repeat("é", 50)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.message))
		})
	}
}

func TestSend_NewConversationBuffered(t *testing.T) {
	store := newTestStore(t)
	provider := answering("Sure, what do you need?")
	svc := NewService(store, provider, nil)
	em := &recordingEmitter{}

	err := svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "Hello, can you help?"}, em)
	require.NoError(t, err)
	require.NotNil(t, em.reply)
	assert.Equal(t, "Sure, what do you need?", em.reply.Text)
	assert.NotEmpty(t, em.reply.MessageID)

	conv, err := store.FindConversation(context.Background(), em.reply.ConversationID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Hello, can you help?", conv.Title)
	assert.Equal(t, "fake-model", conv.Model)

	msgs, err := store.ListMessages(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, datatypes.SenderUser, msgs[0].Sender)
	assert.Equal(t, datatypes.StatusSent, msgs[0].Status)
	assert.Equal(t, datatypes.SenderAssistant, msgs[1].Sender)
	assert.Equal(t, datatypes.StatusReceived, msgs[1].Status)
	assert.Equal(t, em.reply.MessageID, msgs[1].ID)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].stream)
	require.Len(t, calls[0].messages, 2)
	assert.Equal(t, "Hello, can you help?", calls[0].messages[1].Content)
}

func TestSend_LongMessageTitleTruncated(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, answering("ok"), nil)
	em := &recordingEmitter{}
	message := strings.Repeat("x", 80)

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", Message: message}, em))
	conv, err := store.FindConversation(context.Background(), em.reply.ConversationID, "u1")
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 50), conv.Title)
}

func TestSend_ExistingConversationKeepsTitle(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, answering("ok"), nil)
	ctx := context.Background()

	first := &recordingEmitter{}
	require.NoError(t, svc.Send(ctx, SendRequest{UserID: "u1", Message: "First question"}, first))
	convID := first.reply.ConversationID

	second := &recordingEmitter{}
	require.NoError(t, svc.Send(ctx, SendRequest{UserID: "u1", ConversationID: convID, Message: "A completely different follow-up"}, second))
	assert.Equal(t, convID, second.reply.ConversationID)

	conv, err := store.FindConversation(ctx, convID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "First question", conv.Title)

	n, err := store.CountMessages(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestSend_RejectsBeforePersisting(t *testing.T) {
	store := newTestStore(t)
	owned := seedConversation(t, store, "owner", "owned", "hi")
	provider := answering("never")
	metrics := observability.NewChatMetrics(prometheus.NewRegistry())
	svc := NewService(store, provider, nil, WithMetrics(metrics))

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"no user", SendRequest{Message: "hi"}, ErrUnauthenticated},
		{"empty message", SendRequest{UserID: "u1", Message: ""}, ErrValidation},
		{"blank message", SendRequest{UserID: "u1", Message: "   "}, ErrValidation},
		{"unknown conversation", SendRequest{UserID: "u1", ConversationID: "missing", Message: "hi"}, ErrNotFound},
		{"foreign conversation", SendRequest{UserID: "intruder", ConversationID: owned.ID, Message: "hi"}, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			em := &recordingEmitter{}
			err := svc.Send(context.Background(), tt.req, em)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, em.events)
		})
	}

	assert.Empty(t, provider.Calls())
	n, err := store.CountMessages(context.Background(), owned.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	for _, user := range []string{"u1", "intruder"} {
		_, total, err := store.ListConversations(context.Background(), user, 0, 10)
		require.NoError(t, err)
		assert.Zero(t, total)
	}
	assert.True(t, errors.Is(ErrNotFound, storage.ErrNotFound))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("buffered", "not_found")))
}

func TestSend_ProviderErrorBeforeAnswer(t *testing.T) {
	tests := []struct {
		name   string
		stream bool
		err    error
	}{
		{"buffered provider error", false, &llm.ProviderError{Provider: "fake", Op: "complete", Err: errors.New("503")}},
		{"stream provider error", true, &llm.ProviderError{Provider: "fake", Op: "stream", Err: errors.New("503")}},
		{"unavailable", false, llm.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			provider := &fakeProvider{complete: func(context.Context, []llm.Message, bool) (*llm.Completion, error) {
				return nil, tt.err
			}}
			svc := NewService(store, provider, nil)
			em := &recordingEmitter{}

			err := svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hello", Stream: tt.stream}, em)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Empty(t, em.events)

			convs, _, err := store.ListConversations(context.Background(), "u1", 0, 10)
			require.NoError(t, err)
			require.Len(t, convs, 1)
			msgs, err := store.ListMessages(context.Background(), convs[0].ID)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, datatypes.SenderUser, msgs[0].Sender)
			assert.Equal(t, datatypes.StatusSent, msgs[0].Status)
		})
	}
}

func TestSend_StreamForwardsAndPersistsOnce(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, answering("", "Hel", "", "lo", " world"), nil)
	em := &recordingEmitter{}

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hi", Stream: true}, em))
	assert.Equal(t, []string{"begin", "fragment:Hel", "fragment:lo", "fragment: world", "end"}, em.events)

	convs, _, err := store.ListConversations(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	msgs, err := store.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", "Hello world"}, messageTexts(msgs))
	assert.Equal(t, datatypes.StatusReceived, msgs[1].Status)
}

func TestSend_StreamErrorPersistsPartial(t *testing.T) {
	store := newTestStore(t)
	provider := &fakeProvider{complete: func(context.Context, []llm.Message, bool) (*llm.Completion, error) {
		return &llm.Completion{Stream: deltaStream([]string{"Hel"}, errors.New("connection reset"))}, nil
	}}
	metrics := observability.NewChatMetrics(prometheus.NewRegistry())
	svc := NewService(store, provider, nil, WithMetrics(metrics))
	em := &recordingEmitter{}

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hi", Stream: true}, em))
	assert.Equal(t, []string{"begin", "fragment:Hel", "error:Stream error", "end"}, em.events)

	convs, _, err := store.ListConversations(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	msgs, err := store.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)

	var assistant []datatypes.Message
	for _, m := range msgs {
		if m.Sender == datatypes.SenderAssistant {
			assistant = append(assistant, m)
		}
	}
	require.Len(t, assistant, 1)
	assert.Equal(t, "Hel", assistant[0].Text)
	assert.Equal(t, datatypes.StatusReceived, assistant[0].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("stream", "stream_read")))
}

func TestSend_StreamFailingOnFirstReadIsFatal(t *testing.T) {
	store := newTestStore(t)
	remote := &llm.ProviderError{Provider: "fake", Op: "stream", Err: errors.New("500 Internal Server Error")}
	provider := &fakeProvider{complete: func(context.Context, []llm.Message, bool) (*llm.Completion, error) {
		return &llm.Completion{Stream: deltaStream(nil, remote)}, nil
	}}
	metrics := observability.NewChatMetrics(prometheus.NewRegistry())
	svc := NewService(store, provider, nil, WithMetrics(metrics))
	em := &recordingEmitter{}

	err := svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hi", Stream: true}, em)
	require.Error(t, err)
	assert.ErrorIs(t, err, remote)
	assert.Empty(t, em.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("stream", "provider_error")))

	convs, _, err := store.ListConversations(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	msgs, err := store.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, datatypes.SenderUser, msgs[0].Sender)
}

func TestSend_EmptyStreamPersistsEmptyAnswer(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(store, answering(""), nil)
	em := &recordingEmitter{}

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hi", Stream: true}, em))
	assert.Equal(t, []string{"begin", "end"}, em.events)

	convs, _, err := store.ListConversations(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	msgs, err := store.ListMessages(context.Background(), convs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi", ""}, messageTexts(msgs))
}

func TestSend_StreamFallsBackToBuffered(t *testing.T) {
	store := newTestStore(t)
	provider := &fakeProvider{complete: func(_ context.Context, _ []llm.Message, stream bool) (*llm.Completion, error) {
		return &llm.Completion{Response: "plain answer"}, nil
	}}
	svc := NewService(store, provider, nil)
	em := &recordingEmitter{}

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hi", Stream: true}, em))
	assert.Equal(t, []string{"reply:plain answer"}, em.events)

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].stream)
	assert.False(t, calls[1].stream)
}

func TestSend_ClientDisconnectStopsReading(t *testing.T) {
	store := newTestStore(t)
	pulled := 0
	provider := &fakeProvider{complete: func(context.Context, []llm.Message, bool) (*llm.Completion, error) {
		base := deltaStream([]string{"a", "b", "c", "d"}, nil)
		return &llm.Completion{Stream: func(yield func(any, error) bool) {
			base(func(v any, err error) bool {
				pulled++
				return yield(v, err)
			})
		}}, nil
	}}
	metrics := observability.NewChatMetrics(prometheus.NewRegistry())
	svc := NewService(store, provider, nil, WithMetrics(metrics))
	em := &recordingEmitter{failAfter: 1}

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hi", Stream: true}, em))
	assert.Equal(t, 2, pulled)
	assert.Equal(t, []string{"begin", "fragment:a", "end"}, em.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ClientDisconnectsTotal))

	convs, _, err := store.ListConversations(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	last, err := store.LastMessage(context.Background(), convs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "ab", last.Text)
}

func TestSend_CancelledCallerStillPersists(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{complete: func(ctx context.Context, _ []llm.Message, _ bool) (*llm.Completion, error) {
		return &llm.Completion{Stream: func(yield func(any, error) bool) {
			if !yield("partial", nil) {
				return
			}
			cancel()
			<-ctx.Done()
			yield(nil, ctx.Err())
		}}, nil
	}}
	svc := NewService(store, provider, nil)
	em := &recordingEmitter{}

	require.NoError(t, svc.Send(ctx, SendRequest{UserID: "u1", Message: "hi", Stream: true}, em))

	convs, _, err := store.ListConversations(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	last, err := store.LastMessage(context.Background(), convs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", last.Text)
	assert.Equal(t, datatypes.StatusReceived, last.Status)
}

func TestSend_ProviderTimeoutEndsStream(t *testing.T) {
	store := newTestStore(t)
	provider := &fakeProvider{complete: func(ctx context.Context, _ []llm.Message, _ bool) (*llm.Completion, error) {
		return &llm.Completion{Stream: func(yield func(any, error) bool) {
			if !yield("Hel", nil) {
				return
			}
			<-ctx.Done()
			yield(nil, ctx.Err())
		}}, nil
	}}
	metrics := observability.NewChatMetrics(prometheus.NewRegistry())
	svc := NewService(store, provider, nil, WithProviderTimeout(50*time.Millisecond), WithMetrics(metrics))
	em := &recordingEmitter{}

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", Message: "hi", Stream: true}, em))
	assert.Equal(t, []string{"begin", "fragment:Hel", "error:Stream error", "end"}, em.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ErrorsTotal.WithLabelValues("stream", "timeout")))
}

func TestSend_ContextWindowIncludesCurrentTurn(t *testing.T) {
	store := newTestStore(t)
	texts := make([]string, 15)
	for i := range texts {
		texts[i] = fmt.Sprintf("m%d", i+1)
	}
	conv := seedConversation(t, store, "u1", "long", texts...)
	provider := answering("ok")
	svc := NewService(store, provider, nil)

	require.NoError(t, svc.Send(context.Background(), SendRequest{UserID: "u1", ConversationID: conv.ID, Message: "thanks!"}, &recordingEmitter{}))

	calls := provider.Calls()
	require.Len(t, calls, 1)
	lines := historyLines(t, calls[0].messages[0].Content)
	require.Len(t, lines, 10)
	assert.Equal(t, "user: m7", lines[0])
	assert.Equal(t, "user: thanks!", lines[9])
}
