// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	defaultOpenAIModel          = openai.GPT3Dot5Turbo
	defaultOpenAIEmbeddingModel = string(openai.AdaEmbeddingV2)
)

// OpenAIConfig configures the OpenAI adapter.
type OpenAIConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
	// BaseURL points the client at an OpenAI-compatible server. Empty uses
	// api.openai.com.
	BaseURL string
	// MaxTokens caps the completion length. Zero leaves it to the server.
	MaxTokens int
}

// OpenAIProvider implements Provider on the OpenAI chat completions API.
type OpenAIProvider struct {
	client         *openai.Client
	model          string
	embeddingModel string
	maxTokens      int
}

// NewOpenAIProvider builds the OpenAI adapter.
//
// A missing API key does not fail construction; every call then returns
// ErrProviderUnavailable so the service can still start and report the
// problem per request.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	p := &OpenAIProvider{
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		maxTokens:      cfg.MaxTokens,
	}
	if p.model == "" {
		p.model = defaultOpenAIModel
	}
	if p.embeddingModel == "" {
		p.embeddingModel = defaultOpenAIEmbeddingModel
	}
	if cfg.APIKey == "" {
		slog.Warn("OPENAI_API_KEY not set, OpenAI provider will reject requests")
		return p
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	p.client = openai.NewClientWithConfig(clientCfg)
	slog.Info("Initializing OpenAI provider", "model", p.model, "embedding_model", p.embeddingModel)
	return p
}

func (p *OpenAIProvider) Name() string  { return "openai" }
func (p *OpenAIProvider) Model() string { return p.model }

// Embed implements Provider.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.client == nil {
		return nil, fmt.Errorf("openai embed: %w", ErrProviderUnavailable)
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.embeddingModel),
	})
	if err != nil {
		slog.Error("OpenAI embedding call failed", "error", err)
		return nil, newProviderError(p.Name(), "embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, newProviderError(p.Name(), "embed", errors.New("empty embedding response"))
	}
	return resp.Data[0].Embedding, nil
}

// Complete implements Provider. Buffered completions carry an
// openai.ChatCompletionResponse; streamed fragments are
// openai.ChatCompletionStreamResponse values.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []Message, stream bool) (*Completion, error) {
	if p.client == nil {
		return nil, fmt.Errorf("openai complete: %w", ErrProviderUnavailable)
	}
	ctx, span := startCompleteSpan(ctx, "OpenAIProvider.Complete", p.Name(), p.model, len(messages), stream)

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(messages),
	}
	if p.maxTokens > 0 {
		req.MaxTokens = p.maxTokens
	}

	if !stream {
		defer span.End()
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			recordSpanError(span, err)
			slog.Error("OpenAI API call failed", "error", err)
			return nil, newProviderError(p.Name(), "complete", err)
		}
		if len(resp.Choices) > 0 {
			slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
		}
		return &Completion{Response: resp}, nil
	}

	req.Stream = true
	s, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		span.End()
		slog.Error("OpenAI stream request failed", "error", err)
		return nil, newProviderError(p.Name(), "stream", err)
	}

	return &Completion{Stream: func(yield func(any, error) bool) {
		defer span.End()
		defer s.Close()
		for {
			chunk, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				recordSpanError(span, err)
				yield(nil, newProviderError(p.Name(), "stream", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
