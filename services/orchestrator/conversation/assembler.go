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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/aleutian-chat/services/llm"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/observability"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
	"github.com/AleutianAI/aleutian-chat/services/search"
)

const (
	// DefaultHistoryLimit is the number of most recent turns placed in the
	// context window.
	DefaultHistoryLimit = 10

	defaultSearchTimeout = 10 * time.Second

	personaPrompt = "You are an AI customer support assistant. Answer the user's questions based on the provided conversation history and any relevant search results."
	searchHeader  = "Here are some search results that might be relevant:"
)

// searchKeywords trigger a web lookup when any appears in the lower-cased
// message. Matching is by substring, so "get" also matches "forget".
var searchKeywords = []string{"who is", "what is", "where is", "location of", "search for", "get", "find"}

// ShouldSearch reports whether message should be augmented with web results.
func ShouldSearch(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range searchKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Assembler builds the message list sent to the provider for one turn.
//
// # Description
//
// The context window is the DefaultHistoryLimit most recent persisted turns of
// the conversation, oldest first, rendered as "role: text" lines inside a
// system prompt. When the user's message looks like a lookup the prompt is
// extended with web search results. The result is always exactly two
// messages: the system prompt and the user's message.
//
// # Thread Safety
//
// Assembler is safe for concurrent use.
type Assembler struct {
	store         storage.Store
	searcher      search.Searcher
	historyLimit  int
	searchTimeout time.Duration
	metrics       *observability.ChatMetrics
	logger        *slog.Logger
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithHistoryLimit overrides the number of turns in the context window.
func WithHistoryLimit(n int) AssemblerOption {
	return func(a *Assembler) {
		if n > 0 {
			a.historyLimit = n
		}
	}
}

// WithSearchTimeout bounds each web lookup.
func WithSearchTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		if d > 0 {
			a.searchTimeout = d
		}
	}
}

// WithAssemblerMetrics records search outcomes on m.
func WithAssemblerMetrics(m *observability.ChatMetrics) AssemblerOption {
	return func(a *Assembler) { a.metrics = m }
}

// WithAssemblerLogger sets the logger used for degraded searches.
func WithAssemblerLogger(l *slog.Logger) AssemblerOption {
	return func(a *Assembler) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAssembler creates an Assembler. A nil searcher disables augmentation.
func NewAssembler(store storage.Store, searcher search.Searcher, opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		store:         store,
		searcher:      searcher,
		historyLimit:  DefaultHistoryLimit,
		searchTimeout: defaultSearchTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble returns [system, user] for userMessage in conversationID.
//
// # Inputs
//
//   - ctx: Context for the history load and the search.
//   - conversationID: The conversation whose recent turns form the history.
//     The current user turn is expected to be persisted already.
//   - userMessage: The text of the current turn.
//
// # Outputs
//
//   - []llm.Message: Exactly two messages.
//   - error: Non-nil only if history could not be loaded. Search failures
//     never fail assembly.
func (a *Assembler) Assemble(ctx context.Context, conversationID, userMessage string) ([]llm.Message, error) {
	history, err := a.store.ListRecentMessages(ctx, conversationID, a.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load context window: %w", err)
	}

	var results []search.Result
	if ShouldSearch(userMessage) {
		results = a.lookup(ctx, userMessage)
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: buildSystemPrompt(history, results, userMessage)},
		{Role: llm.RoleUser, Content: userMessage},
	}, nil
}

// lookup runs the search and degrades every failure to no results.
func (a *Assembler) lookup(ctx context.Context, query string) []search.Result {
	if a.searcher == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.searchTimeout)
	defer cancel()

	results, err := a.searcher.Search(ctx, query)
	switch {
	case err != nil:
		a.logger.Warn("web search failed, continuing without results", "error", err)
		a.metrics.RecordSearch(observability.SearchError)
		return nil
	case len(results) == 0:
		a.metrics.RecordSearch(observability.SearchEmpty)
		return nil
	default:
		a.metrics.RecordSearch(observability.SearchHit)
		return results
	}
}

func buildSystemPrompt(history []datatypes.Message, results []search.Result, userMessage string) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, senderRole(m.Sender)+": "+m.Text)
	}

	var sb strings.Builder
	sb.WriteString(personaPrompt)
	sb.WriteString("\n\nConversation History:\n")
	sb.WriteString(strings.Join(lines, "\n"))
	sb.WriteString("\n")
	if len(results) > 0 {
		if encoded, err := indentJSON(results); err == nil {
			sb.WriteString("\n\n")
			sb.WriteString(searchHeader)
			sb.WriteString("\n")
			sb.WriteString(encoded)
		}
	}
	sb.WriteString("\n\nUser Query: ")
	sb.WriteString(userMessage)
	sb.WriteString("\n")
	return sb.String()
}

// senderRole maps a stored sender to a provider role. Anything unknown is
// treated as the user.
func senderRole(sender string) string {
	switch strings.ToLower(sender) {
	case datatypes.SenderAssistant:
		return llm.RoleAssistant
	case datatypes.SenderSystem:
		return llm.RoleSystem
	default:
		return llm.RoleUser
	}
}

func indentJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
