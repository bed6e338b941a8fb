// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps the supported chat model backends behind one Provider
// contract.
//
// A Provider can embed text and complete a conversation either buffered or as
// a lazy stream of raw backend fragments. Adapters never interpret the
// backend's response shape beyond what is needed to surface it; text
// extraction lives in the normalize subpackage.
package llm

import (
	"context"
)

// Message roles understood by every adapter.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the backend-neutral chat message shape.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Stream is a lazy, finite, non-restartable sequence of raw backend fragments.
//
// Ranging over a Stream pulls one fragment per iteration. A non-nil error
// ends the sequence; breaking out of the loop releases the underlying
// connection.
type Stream func(yield func(any, error) bool)

// Completion is the result of Provider.Complete.
//
// Exactly one of Response or Stream is meaningful. When Stream is nil the
// completion is buffered and Response holds the raw backend response.
type Completion struct {
	Response any
	Stream   Stream
}

// IsStream reports whether the completion carries a fragment stream.
func (c *Completion) IsStream() bool {
	return c != nil && c.Stream != nil
}

// Provider is the capability contract every chat backend implements.
//
// # Description
//
// Complete sends an ordered message list to the backend. With stream=false
// the raw backend response is returned in Completion.Response; with
// stream=true the adapter returns a Stream of raw fragments. Adapters that
// cannot stream may return a buffered Completion for either mode; callers
// must check IsStream.
//
// # Errors
//
//   - ErrProviderUnavailable when no credential is configured.
//   - *ProviderError wrapping the upstream failure for remote errors.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider identifier ("openai", "gemini", "ollama").
	Name() string

	// Model returns the chat model identifier used for completions.
	Model() string

	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Complete runs one completion over messages.
	Complete(ctx context.Context, messages []Message, stream bool) (*Completion, error)
}
