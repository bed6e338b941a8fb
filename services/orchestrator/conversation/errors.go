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
	"errors"
	"fmt"

	"github.com/AleutianAI/aleutian-chat/services/orchestrator/storage"
)

var (
	// ErrUnauthenticated is returned when a request carries no user.
	ErrUnauthenticated = errors.New("user not authenticated")

	// ErrNotFound is returned when a conversation does not exist or belongs
	// to another user. It matches storage.ErrNotFound under errors.Is.
	ErrNotFound = fmt.Errorf("conversation not found or not authorized: %w", storage.ErrNotFound)

	// ErrValidation is returned for an empty message.
	ErrValidation = errors.New("message is required")
)

// notFound maps storage.ErrNotFound to ErrNotFound and wraps anything else.
func notFound(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
