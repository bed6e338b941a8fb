// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("response writer does not support flushing")

// SSEWriter writes Server-Sent Events.
//
// # Description
//
// Every write is flushed immediately. Data payloads are JSON unless they are
// already a string, which is written verbatim (used for the "[DONE]" marker).
//
// # Thread Safety
//
// Safe for concurrent use; the keepalive goroutine writes alongside the
// request goroutine.
type SSEWriter interface {
	// WriteData writes an unnamed event: "data: <json>\n\n".
	WriteData(data any) error

	// WriteEvent writes a named event: "event: <name>\ndata: <json>\n\n".
	WriteEvent(name string, data any) error

	// WriteKeepAlive writes the comment ": ping\n\n". Clients ignore it but
	// proxies see traffic and keep the connection open.
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter wraps w. Headers must already be set with SetSSEHeaders.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteData(data any) error {
	return w.write("", data)
}

func (w *sseWriter) WriteEvent(name string, data any) error {
	return w.write(name, data)
}

func (w *sseWriter) write(name string, data any) error {
	payload, err := encodeData(data)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if name != "" {
		if _, err := fmt.Fprintf(w.writer, "event: %s\n", name); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func encodeData(data any) ([]byte, error) {
	if s, ok := data.(string); ok {
		return []byte(s), nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return payload, nil
}

// SetSSEHeaders sets the headers of an event stream, disabling proxy
// buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
