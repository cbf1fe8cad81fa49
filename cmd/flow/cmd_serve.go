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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/api"
	"github.com/AleutianAI/AleutianFlow/services/flow/catalog"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		graphsDir string
		watch     bool
		port      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the graph catalog and run API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("graphs") {
				a.cfg.Engine.GraphsDir = graphsDir
			}
			if cmd.Flags().Changed("watch") {
				a.cfg.Engine.Watch = watch
			}
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if !a.cfg.Logging.JSON && a.log().Enabled(cmd.Context(), slog.LevelDebug) {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer a.startTelemetry(ctx)()

			reg, _, err := a.buildRegistry()
			if err != nil {
				return err
			}

			cat := catalog.New(a.cfg.Engine.GraphsDir, reg, a.log())
			if err := cat.Load(ctx); err != nil {
				// Broken files are reported per entry; the rest still serve.
				a.log().Warn("Some graphs failed to load", slog.String("error", err.Error()))
			}
			defer func() {
				if err := cat.Close(); err != nil {
					a.log().Warn("Failed to close catalog plans", slog.String("error", err.Error()))
				}
			}()

			if a.cfg.Engine.Watch {
				go func() {
					if err := cat.Watch(ctx, a.cfg.Engine.WatchDebounce, nil); err != nil && !errors.Is(err, ctx.Err()) {
						a.log().Error("Catalog watch stopped", slog.String("error", err.Error()))
					}
				}()
			}

			eng, err := a.openEngine()
			if err != nil {
				return err
			}
			defer func() {
				if err := eng.close(a.cfg.Server.ShutdownTimeout); err != nil {
					a.log().Warn("Shutdown incomplete", slog.String("error", err.Error()))
				}
			}()

			a.log().Info("Flow service starting",
				slog.Int("port", a.cfg.Server.Port),
				slog.String("graphs_dir", cat.Dir()),
				slog.Bool("watch", a.cfg.Engine.Watch),
				slog.Int("graphs", len(cat.List())),
			)
			srv := api.NewServer(eng.manager, reg, cat, a.log())
			addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
			return srv.ListenAndServe(ctx, addr, a.cfg.Server.ShutdownTimeout)
		},
	}

	cmd.Flags().StringVar(&graphsDir, "graphs", "", "graph catalog directory (overrides engine.graphs_dir)")
	cmd.Flags().BoolVar(&watch, "watch", false, "reload catalog files when they change")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides server.port)")
	return cmd
}
