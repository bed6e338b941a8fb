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
	"log/slog"
	"net/http"
	"strconv"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/conversation"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/datatypes"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
)

// MsgDeleted is the body of a successful DELETE /api/chat/history/:id.
const MsgDeleted = "Conversation and associated messages deleted successfully"

// HandleListHistory handles GET /api/chat/history?page=&limit=.
// Unparseable or non-positive page and limit values fall back to defaults.
func HandleListHistory(svc *conversation.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		page := queryInt(c, "page")
		limit := queryInt(c, "limit")

		resp, err := svc.ListConversations(c.Request.Context(), middleware.UserID(c), page, limit)
		if err != nil {
			writeHistoryError(c, "list conversations", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleGetConversation handles GET /api/chat/history/:id.
func HandleGetConversation(svc *conversation.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := svc.GetConversation(c.Request.Context(), middleware.UserID(c), c.Param("id"))
		if err != nil {
			writeHistoryError(c, "get conversation", err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleDeleteConversation handles DELETE /api/chat/history/:id. Messages
// of the conversation are deleted with it.
func HandleDeleteConversation(svc *conversation.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := svc.DeleteConversation(c.Request.Context(), middleware.UserID(c), id); err != nil {
			writeHistoryError(c, "delete conversation", err)
			return
		}
		c.JSON(http.StatusOK, datatypes.ErrorResponse{Message: MsgDeleted})
	}
}

func writeHistoryError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, conversation.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Message: middleware.UnauthenticatedMessage})
	case errors.Is(err, conversation.ErrNotFound):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Message: MsgNotFound})
	default:
		slog.Error("history request failed", "op", op, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Message: MsgServerError})
	}
}

// queryInt returns 0 for a missing or malformed parameter.
func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}
