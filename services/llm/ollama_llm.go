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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const defaultOllamaModel = "llama3.2"

// maxOllamaLineBytes bounds one NDJSON line of a streamed response.
const maxOllamaLineBytes = 1 << 20

// OllamaConfig configures the Ollama adapter. The base URL stands in for a
// credential: without it the provider is unavailable.
type OllamaConfig struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
}

// OllamaProvider implements Provider on a local Ollama server's REST API.
//
// The HTTP client has no overall timeout because it would cut long streams;
// requests are bounded by the caller's context instead.
type OllamaProvider struct {
	httpClient     *http.Client
	baseURL        string
	model          string
	embeddingModel string
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// ollamaChatResponse is both the buffered /api/chat response and one NDJSON
// chunk of a streamed one.
type ollamaChatResponse struct {
	Model     string  `json:"model"`
	CreatedAt string  `json:"created_at"`
	Message   Message `json:"message"`
	Done      bool    `json:"done"`
	Error     string  `json:"error,omitempty"`
}

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaProvider builds the Ollama adapter.
func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	p := &OllamaProvider{
		httpClient:     &http.Client{},
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}
	if p.model == "" {
		slog.Warn("OLLAMA_MODEL not set, using default", "model", defaultOllamaModel)
		p.model = defaultOllamaModel
	}
	if p.embeddingModel == "" {
		p.embeddingModel = p.model
	}
	if p.baseURL == "" {
		slog.Warn("OLLAMA_BASE_URL not set, Ollama provider will reject requests")
		return p
	}
	slog.Info("Initializing Ollama provider", "base_url", p.baseURL, "model", p.model)
	return p
}

func (p *OllamaProvider) Name() string  { return "ollama" }
func (p *OllamaProvider) Model() string { return p.model }

// Embed implements Provider.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("ollama embed: %w", ErrProviderUnavailable)
	}
	resp, err := p.post(ctx, "/api/embeddings", ollamaEmbeddingRequest{Model: p.embeddingModel, Prompt: text})
	if err != nil {
		return nil, newProviderError(p.Name(), "embed", err)
	}
	defer resp.Body.Close()

	var out ollamaEmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, newProviderError(p.Name(), "embed", fmt.Errorf("failed to parse embedding response: %w", err))
	}
	if len(out.Embedding) == 0 {
		return nil, newProviderError(p.Name(), "embed", errors.New("empty embedding response"))
	}
	return out.Embedding, nil
}

// Complete implements Provider. Buffered responses and stream fragments are
// ollamaChatResponse values; the text sits under message.content.
func (p *OllamaProvider) Complete(ctx context.Context, messages []Message, stream bool) (*Completion, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("ollama complete: %w", ErrProviderUnavailable)
	}
	ctx, span := startCompleteSpan(ctx, "OllamaProvider.Complete", p.Name(), p.model, len(messages), stream)

	resp, err := p.post(ctx, "/api/chat", ollamaChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   stream,
	})
	if err != nil {
		recordSpanError(span, err)
		span.End()
		slog.Error("Ollama chat call failed", "error", err)
		return nil, newProviderError(p.Name(), "complete", err)
	}

	if !stream {
		defer span.End()
		defer resp.Body.Close()
		var out ollamaChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			recordSpanError(span, err)
			return nil, newProviderError(p.Name(), "complete", fmt.Errorf("failed to parse chat response: %w", err))
		}
		if out.Message.Role != "" && out.Message.Role != RoleAssistant {
			slog.Warn("Ollama chat response message role was not 'assistant'", "role", out.Message.Role)
		}
		return &Completion{Response: out}, nil
	}

	return &Completion{Stream: func(yield func(any, error) bool) {
		defer span.End()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxOllamaLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				recordSpanError(span, err)
				yield(nil, newProviderError(p.Name(), "stream", fmt.Errorf("malformed stream chunk: %w", err)))
				return
			}
			if chunk.Error != "" {
				err := errors.New(chunk.Error)
				recordSpanError(span, err)
				yield(nil, newProviderError(p.Name(), "stream", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			recordSpanError(span, err)
			yield(nil, newProviderError(p.Name(), "stream", err))
		}
	}}, nil
}

// post sends a JSON request and returns the response when the status is 200.
// Any other status is turned into an error carrying the body.
func (p *OllamaProvider) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send the request to %s: %w", path, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode == http.StatusNotFound {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
			return nil, fmt.Errorf("model '%s' not found, run 'ollama pull %s'", p.model, p.model)
		}
	}
	return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(respBody))
}
