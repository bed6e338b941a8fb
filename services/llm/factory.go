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
	"log/slog"
	"strings"
)

// DefaultProvider is used when the configured provider name is unknown.
const DefaultProvider = "openai"

// Config selects and configures the process-wide provider.
type Config struct {
	Provider string
	OpenAI   OpenAIConfig
	Gemini   GeminiConfig
	Ollama   OllamaConfig
}

// New builds the provider named by cfg.Provider.
//
// # Description
//
// Selection is a pure function of configuration. Unknown names log a warning
// and fall back to DefaultProvider. Call once at startup and inject the
// result; the selection is not changed afterwards.
//
// # Outputs
//
//   - Provider: The selected adapter.
//   - error: Only when the backend SDK client cannot be constructed. A
//     missing credential is reported per call as ErrProviderUnavailable.
func New(ctx context.Context, cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch name {
	case "", "openai":
		return NewOpenAIProvider(cfg.OpenAI), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg.Gemini)
	case "ollama":
		return NewOllamaProvider(cfg.Ollama), nil
	default:
		slog.Warn("Unknown LLM provider, falling back to default",
			"provider", cfg.Provider, "default", DefaultProvider)
		return NewOpenAIProvider(cfg.OpenAI), nil
	}
}
