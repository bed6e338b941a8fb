// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/aleutian-chat/pkg/logging"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator"
	"github.com/AleutianAI/aleutian-chat/services/orchestrator/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Aleutian chat completion service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"YAML configuration file (environment variables override it)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd)
	return rootCmd
}

// serve runs the service until SIGINT or SIGTERM.
func serve(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Log.Dir,
		Service: cfg.Tracing.ServiceName,
		JSON:    cfg.Log.JSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting chat service",
		"port", cfg.Port,
		"llm_provider", cfg.LLM.Provider,
		"store", cfg.Store.Driver,
	)

	svc, err := orchestrator.New(ctx, cfg, &orchestrator.Options{Logger: logger.Slog()})
	if err != nil {
		return fmt.Errorf("failed to create chat service: %w", err)
	}
	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("chat service error: %w", err)
	}
	slog.Info("Chat service stopped")
	return nil
}
