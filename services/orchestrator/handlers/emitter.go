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
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/conversation"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/observability"
	"github.com/gin-gonic/gin"
)

// DefaultKeepAliveInterval is how often an open stream receives ": ping".
const DefaultKeepAliveInterval = 15 * time.Second

// StreamDoneMarker terminates every event stream.
const StreamDoneMarker = "[DONE]"

// ErrClientGone is returned once the client has disconnected.
var ErrClientGone = errors.New("client disconnected")

// ginEmitter delivers a conversation turn over a gin response.
//
// # Description
//
// Buffered answers are written as a single JSON body. Streamed answers are
// written as Server-Sent Events: one data event per fragment, an optional
// "error" event, and a final "end" event carrying [DONE]. While the stream is
// open a keepalive goroutine writes a comment every interval.
//
// # Thread Safety
//
// The methods are called from the request goroutine only. The SSEWriter
// serializes them against the keepalive goroutine.
type ginEmitter struct {
	c         *gin.Context
	metrics   *observability.ChatMetrics
	keepAlive time.Duration

	sse            SSEWriter
	conversationID string
	gone           bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newGinEmitter(c *gin.Context, metrics *observability.ChatMetrics, keepAlive time.Duration) *ginEmitter {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	return &ginEmitter{c: c, metrics: metrics, keepAlive: keepAlive}
}

// Streaming reports whether response headers for an event stream are out.
func (e *ginEmitter) Streaming() bool {
	return e.sse != nil
}

func (e *ginEmitter) Reply(reply conversation.Reply) error {
	e.c.JSON(http.StatusOK, datatypes.SendMessageResponse{
		ConversationID: reply.ConversationID,
		Response:       reply.Text,
		MessageID:      reply.MessageID,
	})
	return nil
}

func (e *ginEmitter) BeginStream(conversationID string) error {
	SetSSEHeaders(e.c.Writer)
	e.c.Status(http.StatusOK)

	sse, err := NewSSEWriter(e.c.Writer)
	if err != nil {
		return err
	}
	e.c.Writer.Flush()
	e.sse = sse
	e.conversationID = conversationID

	e.stop = make(chan struct{})
	e.done = make(chan struct{})
	go e.keepAliveLoop()
	return nil
}

func (e *ginEmitter) keepAliveLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()

	ctx := e.c.Request.Context()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.sse.WriteKeepAlive(); err != nil {
				return
			}
			e.metrics.RecordKeepAlive()
		}
	}
}

func (e *ginEmitter) StreamFragment(content string) error {
	if err := e.alive(); err != nil {
		return err
	}
	err := e.sse.WriteData(datatypes.StreamChunk{
		Content:        content,
		ConversationID: e.conversationID,
	})
	if err != nil {
		return e.lost(err)
	}
	return nil
}

func (e *ginEmitter) StreamError(message string) error {
	if err := e.alive(); err != nil {
		return err
	}
	if err := e.sse.WriteEvent("error", datatypes.ErrorResponse{Message: message}); err != nil {
		return e.lost(err)
	}
	return nil
}

func (e *ginEmitter) StreamEnd() error {
	if e.sse == nil {
		return nil
	}
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done
	})
	if err := e.alive(); err != nil {
		return err
	}
	if err := e.sse.WriteEvent("end", StreamDoneMarker); err != nil {
		return e.lost(err)
	}
	return nil
}

// alive fails once the request context is done or a write has failed.
func (e *ginEmitter) alive() error {
	if e.sse == nil {
		return fmt.Errorf("stream not started")
	}
	if e.gone {
		return ErrClientGone
	}
	if e.c.Request.Context().Err() != nil {
		return e.lost(e.c.Request.Context().Err())
	}
	return nil
}

func (e *ginEmitter) lost(err error) error {
	e.gone = true
	return fmt.Errorf("%w: %v", ErrClientGone, err)
}

var _ conversation.Emitter = (*ginEmitter)(nil)
