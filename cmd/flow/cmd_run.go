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
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/cursor"
	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// engineState is the engine wiring shared by run and serve.
type engineState struct {
	db      *flowbadger.DB
	cursors *cursor.BadgerStore
	runs    *engine.BadgerRunStore
	manager *engine.Manager
}

// openEngine opens the state store and builds an engine manager over it.
func (a *app) openEngine() (*engineState, error) {
	storage := a.cfg.Storage
	storage.Logger = a.log()
	db, err := flowbadger.Open(storage)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	cursors := cursor.NewBadgerStore(db)
	runs := engine.NewBadgerRunStore(db)
	exec := engine.NewExecutor(
		engine.WithCursorStore(cursors),
		engine.WithLogger(a.log()),
	)
	return &engineState{
		db:      db,
		cursors: cursors,
		runs:    runs,
		manager: engine.NewManager(exec, runs, a.log()),
	}, nil
}

// close waits for in-flight runs up to timeout and closes the store.
func (r *engineState) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := r.manager.Shutdown(ctx)
	if err := r.db.Close(); err != nil {
		return err
	}
	return shutdownErr
}

// startTelemetry initializes tracing and metrics and returns the shutdown
// function. Failures are logged and replaced by a no-op.
func (a *app) startTelemetry(ctx context.Context) func() {
	shutdown, err := telemetry.Init(ctx, a.cfg.Telemetry)
	if err != nil {
		a.log().Warn("Telemetry disabled", slog.String("error", err.Error()))
		return func() {}
	}
	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			a.log().Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}
}

func newRunCmd(a *app) *cobra.Command {
	var (
		resume      bool
		scope       string
		resetScope  bool
		pollEvery   time.Duration
		waitTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Compile and execute a graph, then print its node statuses",
		Long: `run compiles FILE and executes it to completion. With --resume, sources
start from the cursors committed by the previous run in the same scope.
Ctrl-C cancels the run; committed cursors are kept.

Exit codes: 0 success, 1 failure or cancelled, 2 partial failure,
3 invalid graph.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			defer a.startTelemetry(ctx)()

			reg, _, err := a.buildRegistry()
			if err != nil {
				return err
			}
			def, err := graph.Load(args[0])
			if err != nil {
				return &ExitError{Code: ExitInvalidGraph, Err: err}
			}
			plan, err := graph.Compile(ctx, def, reg)
			if err != nil {
				a.reportInvalid(args[0], err)
				return &ExitError{Code: ExitInvalidGraph}
			}
			defer plan.Close()

			rt, err := a.openEngine()
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.close(a.cfg.Server.ShutdownTimeout); err != nil {
					a.log().Warn("Shutdown incomplete", slog.String("error", err.Error()))
				}
			}()

			if resetScope {
				s := scope
				if s == "" {
					s = plan.Name
				}
				if err := rt.cursors.Clear(ctx, s); err != nil {
					return fmt.Errorf("clear cursors for %q: %w", s, err)
				}
				a.out.Info(fmt.Sprintf("cleared cursors for scope %q", s))
			}

			id, err := rt.manager.Submit(ctx, plan, engine.RunOptions{Resume: resume, CursorScope: scope})
			if err != nil {
				return err
			}
			run, err := a.follow(ctx, rt.manager, id, pollEvery, waitTimeout)
			if err != nil {
				return err
			}
			a.printRun(run)
			return exitForRun(run)
		},
	}

	cmd.Flags().BoolVar(&resume, "resume", false, "start sources from committed cursors")
	cmd.Flags().StringVar(&scope, "scope", "", "cursor scope (default: the graph name)")
	cmd.Flags().BoolVar(&resetScope, "reset-cursors", false, "clear committed cursors in the scope before running")
	cmd.Flags().DurationVar(&pollEvery, "poll", 250*time.Millisecond, "progress refresh interval")
	cmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "cancel the run after this long (0 = no limit)")
	return cmd
}

// follow shows progress until the run finishes. Cancelling ctx or passing
// the timeout cancels the run and keeps waiting for it to drain.
func (a *app) follow(ctx context.Context, mgr *engine.Manager, id string, every, timeout time.Duration) (engine.Run, error) {
	spin := a.out.Spinner("starting run " + id)
	spin.Start()
	defer spin.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	if every <= 0 {
		every = 250 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	done := make(chan struct{})
	var (
		final   engine.Run
		waitErr error
	)
	go func() {
		defer close(done)
		final, waitErr = mgr.Wait(context.Background(), id)
	}()

	interrupted := ctx.Done()
	for {
		select {
		case <-done:
			return final, waitErr
		case <-interrupted:
			interrupted = nil
			a.log().Info("Cancelling run", slog.String("run_id", id))
			spin.Update("cancelling run " + id)
			if err := mgr.Cancel(id); err != nil {
				return engine.Run{}, err
			}
		case <-deadline:
			deadline = nil
			a.log().Warn("Run timed out", slog.String("run_id", id), slog.Duration("timeout", timeout))
			if err := mgr.Cancel(id); err != nil {
				return engine.Run{}, err
			}
		case <-ticker.C:
			run, err := mgr.Status(context.Background(), id)
			if err == nil {
				spin.Update(fmt.Sprintf("%s %s: %d/%d nodes done, %s",
					run.PlanName, run.Status, run.NodesCompleted, len(run.Nodes), run.Duration().Truncate(time.Millisecond)))
			}
		}
	}
}

// printRun prints a run summary followed by a per-node table.
func (a *app) printRun(run engine.Run) {
	a.out.Title(fmt.Sprintf("Run %s of %s", run.ID, run.PlanName))
	summary := fmt.Sprintf("%s in %s (scope %q)", run.Status, run.Duration().Truncate(time.Millisecond), run.CursorScope)
	switch run.Status {
	case engine.StatusSuccess:
		a.out.Success(summary)
	case engine.StatusPartialFailure:
		a.out.Warning(summary)
	default:
		a.out.Error(summary)
	}
	if run.Error != "" {
		a.out.Error(run.Error)
	}

	ids := make([]string, 0, len(run.Nodes))
	for id := range run.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		n := run.Nodes[id]
		rows = append(rows, []string{
			id,
			a.out.Status(string(n.Status)),
			strconv.FormatInt(n.ItemsIn, 10),
			strconv.FormatInt(n.ItemsOut, 10),
			strconv.FormatInt(n.Retries, 10),
			strconv.FormatInt(n.BatchesFailed, 10),
			n.Error,
		})
	}
	a.out.Table([]string{"NODE", "STATUS", "IN", "OUT", "RETRIES", "FAILED BATCHES", "ERROR"}, rows)
}
