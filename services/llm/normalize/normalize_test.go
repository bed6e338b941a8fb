// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package normalize

import (
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/aleutian-chat/services/llm"
)

// fakeSDKResponse mimics an SDK response type that exposes its text through a
// method rather than a field.
type fakeSDKResponse struct {
	Candidates []string `json:"candidates"`
}

func (r *fakeSDKResponse) Text() string {
	return strings.Join(r.Candidates, "")
}

func streamOf(frags ...any) llm.Stream {
	return func(yield func(any, error) bool) {
		for _, f := range frags {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func deltaChunk(text string) map[string]any {
	return map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": text}}}}
}

// =============================================================================
// ExtractComplete
// =============================================================================

func TestExtractComplete_Shapes(t *testing.T) {
	tests := []struct {
		name string
		resp any
		want string
	}{
		{"nil", nil, ""},
		{"plain string", "hello", "hello"},
		{"empty string", "", ""},
		{
			"choices message content",
			map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "Paris"}}}},
			"Paris",
		},
		{
			"choices content parts",
			map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": []any{
				map[string]any{"type": "text", "text": "Par"},
				map[string]any{"type": "text", "text": "is"},
			}}}}},
			"Paris",
		},
		{
			"choices text field",
			map[string]any{"choices": []any{map[string]any{"text": "legacy"}}},
			"legacy",
		},
		{
			"choices null content",
			map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": nil}}}},
			"",
		},
		{"empty choices", map[string]any{"choices": []any{}}, ""},
		{"only first choice", map[string]any{"choices": []any{
			map[string]any{"message": map[string]any{"content": "one"}},
			map[string]any{"message": map[string]any{"content": "two"}},
		}}, "one"},
		{"top-level text", map[string]any{"text": "direct"}, "direct"},
		{"top-level message content", map[string]any{"message": map[string]any{"role": "assistant", "content": "ollama"}}, "ollama"},
		{"raw json bytes", []byte(`{"text":"bytes"}`), "bytes"},
		{"raw non-json bytes", []byte("plain bytes"), "plain bytes"},
		{"json raw message", json.RawMessage(`{"message":{"content":"raw"}}`), "raw"},
		{"text method", &fakeSDKResponse{Candidates: []string{"a", "b"}}, "ab"},
		{"nil typed pointer", (*fakeSDKResponse)(nil), ""},
		{"unknown object serialized", map[string]any{"foo": 1}, `{"foo":1}`},
		{"number serialized", 42, "42"},
		{"unmarshalable value", make(chan int), ""},
		{
			"openai response",
			openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "typed"},
			}}},
			"typed",
		},
		{"stream", streamOf("He", "llo"), "Hello"},
		{"unnamed sequence", (func(func(any, error) bool))(streamOf(deltaChunk("Hel"), deltaChunk("lo"))), "Hello"},
		{"buffered completion", &llm.Completion{Response: "done"}, "done"},
		{"streamed completion", &llm.Completion{Stream: streamOf("a", "b")}, "ab"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tc.want, ExtractComplete(tc.resp))
			})
		})
	}
}

// TestExtractComplete_StreamStopsAtError verifies that draining keeps what was
// accumulated before the first error.
func TestExtractComplete_StreamStopsAtError(t *testing.T) {
	s := llm.Stream(func(yield func(any, error) bool) {
		if !yield("Hel", nil) {
			return
		}
		if !yield(nil, errors.New("connection reset")) {
			return
		}
		yield("lo", nil)
	})
	assert.Equal(t, "Hel", ExtractComplete(s))
}

func TestExtractComplete_IterSeq2(t *testing.T) {
	var seq iter.Seq2[any, error] = func(yield func(any, error) bool) {
		yield(map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": "x"}}}}, nil)
	}
	assert.Equal(t, "x", ExtractComplete(seq))
}

// =============================================================================
// ExtractFragment
// =============================================================================

func TestExtractFragment_Shapes(t *testing.T) {
	tests := []struct {
		name  string
		chunk any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "tok", "tok"},
		{"delta content", map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": "Hi"}}}}, "Hi"},
		{"empty delta", map[string]any{"choices": []any{map[string]any{"delta": map[string]any{}, "finish_reason": "stop"}}}, ""},
		{"delta parts", map[string]any{"choices": []any{map[string]any{"delta": map[string]any{"content": []any{"a", map[string]any{"text": "b"}}}}}}, "ab"},
		{"choice text", map[string]any{"choices": []any{map[string]any{"text": "t"}}}, "t"},
		{"all choices concatenated", map[string]any{"choices": []any{
			map[string]any{"delta": map[string]any{"content": "1"}},
			map[string]any{"delta": map[string]any{"content": "2"}},
		}}, "12"},
		{"top-level text", map[string]any{"text": "frag"}, "frag"},
		{"message content", map[string]any{"message": map[string]any{"content": "nd"}, "done": false}, "nd"},
		{"text method", &fakeSDKResponse{Candidates: []string{"g"}}, "g"},
		{"unknown shape", map[string]any{"done": true}, ""},
		{"unmarshalable", func() {}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tc.want, ExtractFragment(tc.chunk))
			})
		})
	}
}

// TestFragmentsReconstructComplete verifies that concatenating fragment text
// yields exactly what ExtractComplete returns for the equivalent buffered
// response.
func TestFragmentsReconstructComplete(t *testing.T) {
	cases := []struct {
		name      string
		buffered  any
		fragments []any
	}{
		{
			name: "openai",
			buffered: openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: "The capital is Paris."},
			}}},
			fragments: []any{
				openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Role: "assistant"}}}},
				openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "The capital "}}}},
				openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "is Paris."}}}},
				openai.ChatCompletionStreamResponse{Choices: []openai.ChatCompletionStreamChoice{{FinishReason: openai.FinishReasonStop}}},
			},
		},
		{
			name:     "ollama",
			buffered: map[string]any{"message": map[string]any{"role": "assistant", "content": "Hello there"}, "done": true},
			fragments: []any{
				map[string]any{"message": map[string]any{"role": "assistant", "content": "Hello"}, "done": false},
				map[string]any{"message": map[string]any{"role": "assistant", "content": " there"}, "done": false},
				map[string]any{"message": map[string]any{"role": "assistant", "content": ""}, "done": true},
			},
		},
		{
			name:      "text method",
			buffered:  &fakeSDKResponse{Candidates: []string{"Bonjour", " le monde"}},
			fragments: []any{&fakeSDKResponse{Candidates: []string{"Bonjour"}}, &fakeSDKResponse{Candidates: []string{" le monde"}}},
		},
		{
			name:      "strings",
			buffered:  "abc",
			fragments: []any{"a", "b", "c"},
		},
		{
			name:      "empty",
			buffered:  "",
			fragments: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var b strings.Builder
			for _, f := range tc.fragments {
				b.WriteString(ExtractFragment(f))
			}
			want := ExtractComplete(tc.buffered)
			assert.Equal(t, want, b.String())
			assert.Equal(t, want, ExtractComplete(streamOf(tc.fragments...)))
		})
	}
}
