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
	"log/slog"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel           = "gemini-2.0-flash-001"
	defaultGeminiEmbeddingModel  = "embedding-001"
	defaultGeminiMaxOutputTokens = 2048
)

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey          string
	Model           string
	EmbeddingModel  string
	MaxOutputTokens int32
	// BaseURL overrides the Gemini API endpoint. Used by tests.
	BaseURL string
}

// GeminiProvider implements Provider on the Google Gen AI SDK.
//
// Gemini has no system role and calls the assistant "model", so messages
// are relabeled before every call. See toGeminiContents.
type GeminiProvider struct {
	client          *genai.Client
	model           string
	embeddingModel  string
	maxOutputTokens int32
}

// NewGeminiProvider builds the Gemini adapter.
//
// As with the OpenAI adapter, a missing key yields a provider that answers
// every call with ErrProviderUnavailable.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	p := &GeminiProvider{
		model:           cfg.Model,
		embeddingModel:  cfg.EmbeddingModel,
		maxOutputTokens: cfg.MaxOutputTokens,
	}
	if p.model == "" {
		p.model = defaultGeminiModel
	}
	if p.embeddingModel == "" {
		p.embeddingModel = defaultGeminiEmbeddingModel
	}
	if p.maxOutputTokens <= 0 {
		p.maxOutputTokens = defaultGeminiMaxOutputTokens
	}
	if cfg.APIKey == "" {
		slog.Warn("GEMINI_API_KEY not set, Gemini provider will reject requests")
		return p, nil
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	p.client = client
	slog.Info("Initializing Gemini provider", "model", p.model, "embedding_model", p.embeddingModel)
	return p, nil
}

func (p *GeminiProvider) Name() string  { return "gemini" }
func (p *GeminiProvider) Model() string { return p.model }

// Embed implements Provider.
func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.client == nil {
		return nil, fmt.Errorf("gemini embed: %w", ErrProviderUnavailable)
	}
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := p.client.Models.EmbedContent(ctx, p.embeddingModel, contents, nil)
	if err != nil {
		slog.Error("Gemini embedding call failed", "error", err)
		return nil, newProviderError(p.Name(), "embed", err)
	}
	if result == nil || len(result.Embeddings) == 0 {
		return nil, newProviderError(p.Name(), "embed", errors.New("empty embedding response"))
	}
	return result.Embeddings[0].Values, nil
}

// Complete implements Provider. Both buffered responses and stream fragments
// are *genai.GenerateContentResponse values.
func (p *GeminiProvider) Complete(ctx context.Context, messages []Message, stream bool) (*Completion, error) {
	if p.client == nil {
		return nil, fmt.Errorf("gemini complete: %w", ErrProviderUnavailable)
	}
	if len(messages) == 0 {
		return nil, newProviderError(p.Name(), "complete", errors.New("no messages"))
	}
	ctx, span := startCompleteSpan(ctx, "GeminiProvider.Complete", p.Name(), p.model, len(messages), stream)

	contents := toGeminiContents(messages)
	config := &genai.GenerateContentConfig{MaxOutputTokens: p.maxOutputTokens}

	if !stream {
		defer span.End()
		resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
		if err != nil {
			recordSpanError(span, err)
			slog.Error("Gemini API call failed", "error", err)
			return nil, newProviderError(p.Name(), "complete", err)
		}
		return &Completion{Response: resp}, nil
	}

	seq := p.client.Models.GenerateContentStream(ctx, p.model, contents, config)
	return &Completion{Stream: func(yield func(any, error) bool) {
		defer span.End()
		for resp, err := range seq {
			if err != nil {
				recordSpanError(span, err)
				yield(nil, newProviderError(p.Name(), "stream", err))
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
	}}, nil
}

// toGeminiContents relabels messages for Gemini. System content is folded
// into a user turn marked "(System message: ...)"; assistant becomes model.
func toGeminiContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			contents = append(contents, genai.NewContentFromText("(System message: "+m.Content+")", genai.RoleUser))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents
}
