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
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/builtin"
	"github.com/AleutianAI/AleutianFlow/services/flow/connectors/memory"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

// app holds state shared by every subcommand. It is filled in by the root
// command's PersistentPreRunE.
type app struct {
	configPath string
	logLevel   string
	jsonLogs   bool
	plain      bool

	cfg    config.Config
	logger *logging.Logger
	out    *ux.Printer
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "flow",
		Short: "Validate, run, and serve data pipeline graphs",
		Long: `flow compiles declarative pipeline graphs (YAML, JSON, or HCL) against
the registered connector catalog and executes them with bounded queues,
retries, and resumable source cursors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.logger != nil {
				_ = a.logger.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", os.Getenv("FLOW_CONFIG"), "path to the YAML config file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&a.jsonLogs, "json-logs", false, "write logs as JSON")
	flags.BoolVar(&a.plain, "plain", false, "plain tab-separated output")

	root.AddCommand(
		newValidateCmd(a),
		newCompileCmd(a),
		newRunCmd(a),
		newServeCmd(a),
		newCapabilitiesCmd(a),
		newRunsCmd(a),
	)
	return root
}

// init loads configuration and sets up logging and output.
func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		if _, err := logging.ParseLevel(a.logLevel); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		cfg.Logging.LevelName = a.logLevel
	}
	if a.jsonLogs {
		cfg.Logging.JSON = true
	}
	if cfg.Logging.Writer == nil {
		cfg.Logging.Writer = cmd.ErrOrStderr()
	}
	a.cfg = cfg
	a.logger = logging.New(cfg.Logging)

	mode := ux.ModePlain
	if !a.plain {
		mode = detectMode(cmd.OutOrStdout())
	}
	a.out = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
	return nil
}

func detectMode(w io.Writer) ux.Mode {
	if f, ok := w.(*os.File); ok {
		return ux.DetectMode(f)
	}
	return ux.ModePlain
}

func (a *app) log() *slog.Logger {
	if a.logger == nil {
		a.logger = logging.Default()
	}
	return a.logger.Slog()
}

// buildRegistry builds the sealed connector registry from the configuration.
func (a *app) buildRegistry() (*registry.Registry, *memory.Store, error) {
	reg, store, err := builtin.NewRegistry(a.cfg.ConnectorDeps())
	if err != nil {
		return nil, nil, fmt.Errorf("build connector registry: %w", err)
	}
	return reg, store, nil
}
