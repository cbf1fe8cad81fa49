// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianFlow/services/flow/catalog"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

// =============================================================================
// Request / response types
// =============================================================================

// DefinitionRequest carries an inline graph definition. A json definition
// is an object; yaml and hcl definitions are a JSON string holding the
// document.
type DefinitionRequest struct {
	Definition json.RawMessage `json:"definition"`
	Format     string          `json:"format" binding:"omitempty,oneof=json yaml hcl"`
}

// SubmitRequest starts a run of a catalog graph or an inline definition.
type SubmitRequest struct {
	DefinitionRequest
	Graph       string `json:"graph" binding:"omitempty,max=256"`
	Resume      bool   `json:"resume"`
	CursorScope string `json:"cursor_scope" binding:"omitempty,max=256"`
}

// SubmitResponse is returned by POST /v1/runs.
type SubmitResponse struct {
	RunID  string `json:"run_id"`
	PlanID string `json:"plan_id"`
}

// ValidationIssue is one validation error in a response.
type ValidationIssue struct {
	Check   int    `json:"check"`
	Code    string `json:"code"`
	Node    string `json:"node,omitempty"`
	Edge    int    `json:"edge"`
	Detail  string `json:"detail,omitempty"`
	Message string `json:"message"`
}

// ValidateResponse is returned by POST /v1/graphs/validate.
type ValidateResponse struct {
	Valid  bool              `json:"valid"`
	Name   string            `json:"name,omitempty"`
	Order  []string          `json:"order,omitempty"`
	Errors []ValidationIssue `json:"errors,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// Handlers
// =============================================================================

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListCapabilities returns every registered capability with its schema.
func (s *Server) ListCapabilities() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"capabilities": s.registry.List()})
	}
}

// ListGraphs returns the catalog state.
func (s *Server) ListGraphs() gin.HandlerFunc {
	return func(c *gin.Context) {
		graphs := []catalog.Entry{}
		if s.catalog != nil {
			graphs = s.catalog.List()
		}
		c.JSON(http.StatusOK, gin.H{"graphs": graphs})
	}
}

// ValidateGraph validates an inline definition without building any
// capability.
func (s *Server) ValidateGraph() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DefinitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		def, err := req.parse()
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}

		vg, err := graph.Validate(def, s.registry)
		if err != nil {
			var verrs graph.ValidationErrors
			if !errors.As(err, &verrs) {
				c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
				return
			}
			c.JSON(http.StatusUnprocessableEntity, ValidateResponse{Name: def.Name, Errors: issues(verrs)})
			return
		}
		order := make([]string, len(vg.Order))
		for i, idx := range vg.Order {
			order[i] = def.Nodes[idx].ID
		}
		c.JSON(http.StatusOK, ValidateResponse{Valid: true, Name: def.Name, Order: order})
	}
}

// SubmitRun starts a run in the background and returns 202 with its id.
func (s *Server) SubmitRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		if (req.Graph == "") == (len(req.Definition) == 0) {
			c.JSON(http.StatusBadRequest, errorResponse{Error: "exactly one of graph or definition is required"})
			return
		}

		plan, release, status, err := s.resolvePlan(c.Request.Context(), req)
		if err != nil {
			c.JSON(status, s.describe(err))
			return
		}

		id, err := s.manager.Submit(c.Request.Context(), plan, engine.RunOptions{
			Resume:      req.Resume,
			CursorScope: req.CursorScope,
		})
		if err != nil {
			release()
			s.logger.Error("Failed to submit run", slog.String("plan", plan.Name), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		go s.releaseWhenDone(id, release)
		s.logger.Info("Run submitted", slog.String("run_id", id), slog.String("plan", plan.Name))
		c.JSON(http.StatusAccepted, SubmitResponse{RunID: id, PlanID: plan.ID})
	}
}

// ListRuns returns every known run.
func (s *Server) ListRuns() gin.HandlerFunc {
	return func(c *gin.Context) {
		runs, err := s.manager.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		if runs == nil {
			runs = []engine.Run{}
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

// GetRun returns one run's status.
func (s *Server) GetRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := s.manager.Status(c.Request.Context(), c.Param("runId"))
		if err != nil {
			c.JSON(runErrorStatus(err), errorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

// CancelRun requests cancellation. Cancelling a finished run is a no-op.
func (s *Server) CancelRun() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("runId")
		if err := s.manager.Cancel(id); err != nil {
			c.JSON(runErrorStatus(err), errorResponse{Error: err.Error()})
			return
		}
		run, err := s.manager.Status(c.Request.Context(), id)
		if err != nil {
			c.JSON(runErrorStatus(err), errorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, run)
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (r DefinitionRequest) parse() (*graph.Definition, error) {
	if len(r.Definition) == 0 {
		return nil, errors.New("definition is required")
	}
	format := graph.Format(r.Format)
	if format == "" {
		format = graph.FormatJSON
	}
	data := []byte(r.Definition)
	if format != graph.FormatJSON {
		var text string
		if err := json.Unmarshal(r.Definition, &text); err != nil {
			return nil, fmt.Errorf("a %s definition must be sent as a string", format)
		}
		data = []byte(text)
	}
	return graph.Parse(data, format)
}

// resolvePlan returns the plan for req, the function that gives it back
// once the run is over, and the HTTP status to use on error. Catalog plans
// are leased; inline plans are closed on release.
func (s *Server) resolvePlan(ctx context.Context, req SubmitRequest) (*graph.Plan, func(), int, error) {
	if req.Graph != "" {
		if s.catalog == nil {
			return nil, nil, http.StatusNotFound, fmt.Errorf("no graph catalog is configured")
		}
		plan, release, ok := s.catalog.Acquire(req.Graph)
		if !ok {
			return nil, nil, http.StatusNotFound, fmt.Errorf("graph %q not found", req.Graph)
		}
		return plan, release, 0, nil
	}

	def, err := req.parse()
	if err != nil {
		return nil, nil, http.StatusBadRequest, err
	}
	plan, err := graph.Compile(ctx, def, s.registry)
	if err != nil {
		return nil, nil, http.StatusUnprocessableEntity, err
	}
	return plan, func() {
		if err := plan.Close(); err != nil {
			s.logger.Warn("Failed to close plan", slog.String("plan", plan.Name), slog.String("error", err.Error()))
		}
	}, 0, nil
}

func (s *Server) releaseWhenDone(id string, release func()) {
	if _, err := s.manager.Wait(context.Background(), id); err != nil {
		s.logger.Warn("Waiting for run failed", slog.String("run_id", id), slog.String("error", err.Error()))
	}
	release()
}

func (s *Server) describe(err error) any {
	var verrs graph.ValidationErrors
	if errors.As(err, &verrs) {
		return ValidateResponse{Errors: issues(verrs)}
	}
	return errorResponse{Error: err.Error()}
}

func issues(verrs graph.ValidationErrors) []ValidationIssue {
	out := make([]ValidationIssue, len(verrs))
	for i, e := range verrs {
		out[i] = ValidationIssue{
			Check:   e.Check,
			Code:    e.Code(),
			Node:    e.Node,
			Edge:    e.Edge,
			Detail:  e.Detail,
			Message: e.Error(),
		}
	}
	return out
}

func runErrorStatus(err error) int {
	if errors.Is(err, engine.ErrRunNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
