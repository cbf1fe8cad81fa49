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
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
	"github.com/AleutianAI/AleutianFlow/services/flow/registry"
)

func newCapabilitiesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List registered sources, actions, routers, and sinks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, _, err := a.buildRegistry()
			if err != nil {
				return err
			}
			entries := reg.List()
			rows := make([][]string, len(entries))
			for i, e := range entries {
				rows[i] = []string{string(e.Kind), e.ID, paramSummary(e.Spec.Params), traitSummary(e.Spec.Traits)}
			}
			a.out.Table([]string{"KIND", "ID", "PARAMS", "TRAITS"}, rows)
			return nil
		},
	}
}

// paramSummary lists parameter names; required ones carry a trailing "*".
func paramSummary(params []registry.ParamSpec) string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
		if p.Required {
			names[i] += "*"
		}
	}
	return strings.Join(names, ",")
}

func traitSummary(t registry.Traits) string {
	var out []string
	if t.SingleThreaded {
		out = append(out, "single-threaded")
	}
	if t.OrderPreserving {
		out = append(out, "ordered")
	}
	return strings.Join(out, ",")
}

func newRunsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect runs recorded in the state store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := a.openEngine()
			if err != nil {
				return err
			}
			defer eng.close(a.cfg.Server.ShutdownTimeout)

			runs, err := eng.runs.List(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{
					r.ID,
					r.PlanName,
					a.out.Status(string(r.Status)),
					r.StartedAt.Local().Format(time.DateTime),
					r.Duration().Truncate(time.Millisecond).String(),
					r.CursorScope,
				}
			}
			a.out.Table([]string{"RUN", "GRAPH", "STATUS", "STARTED", "DURATION", "SCOPE"}, rows)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show RUN_ID",
		Short: "Print one recorded run with its node statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.openEngine()
			if err != nil {
				return err
			}
			defer eng.close(a.cfg.Server.ShutdownTimeout)

			run, err := showRun(cmd.Context(), eng.runs, args[0])
			if err != nil {
				return err
			}
			a.printRun(run)
			return nil
		},
	})
	return cmd
}

func showRun(ctx context.Context, store engine.RunStore, id string) (engine.Run, error) {
	run, ok, err := store.Get(ctx, id)
	if err != nil {
		return engine.Run{}, err
	}
	if !ok {
		return engine.Run{}, fmt.Errorf("run %s: %w", id, engine.ErrRunNotFound)
	}
	return run, nil
}
