// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the flow control surface over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianFlow/services/flow/catalog"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// ServiceName labels the HTTP server spans.
const ServiceName = "flow-api"

// Server holds what the handlers need.
type Server struct {
	manager  *engine.Manager
	registry *registry.Registry
	catalog  *catalog.Catalog
	logger   *slog.Logger
}

// NewServer creates a Server. cat may be nil, in which case runs can only
// be submitted with an inline definition.
func NewServer(manager *engine.Manager, reg *registry.Registry, cat *catalog.Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:  manager,
		registry: reg,
		catalog:  cat,
		logger:   logger.With(slog.String("component", "api")),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(s.requestLogger())
	SetupRoutes(router, s)
	return router
}

// SetupRoutes registers the flow routes on router.
func SetupRoutes(router *gin.Engine, s *Server) {
	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/capabilities", s.ListCapabilities())

		graphs := v1.Group("/graphs")
		{
			graphs.GET("", s.ListGraphs())
			graphs.POST("/validate", s.ValidateGraph())
		}

		runs := v1.Group("/runs")
		{
			runs.POST("", s.SubmitRun())
			runs.GET("", s.ListRuns())
			runs.GET("/:runId", s.GetRun())
			runs.POST("/:runId/cancel", s.CancelRun())
		}
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting the flow API", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down the flow API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// requestLogger logs each request at debug level and echoes the trace id
// in the X-Trace-Id response header when a span is active.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := telemetry.TraceID(ctx); id != "" {
			c.Header("X-Trace-Id", id)
		}
		start := time.Now()
		c.Next()
		telemetry.LoggerWithTrace(ctx, s.logger).Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)),
		)
	}
}
