// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator runs the Aleutian chat service.
//
// # Usage
//
//	# Serve with defaults and environment overrides
//	orchestrator serve
//
//	# Serve with a YAML file; environment variables still win
//	orchestrator serve --config chat.yaml
//
//	# Print the effective configuration, secrets redacted
//	orchestrator config --config chat.yaml
//
// See services/orchestrator/config for the environment variables.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
