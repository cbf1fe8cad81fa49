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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check graph files without building any connector",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := a.buildRegistry()
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				def, err := graph.Load(path)
				if err != nil {
					a.out.Error(fmt.Sprintf("%s: %v", path, err))
					failed++
					continue
				}
				vg, err := graph.Validate(def, reg)
				if err != nil {
					failed++
					a.reportInvalid(path, err)
					continue
				}
				order := make([]string, len(vg.Order))
				for i, idx := range vg.Order {
					order[i] = def.Nodes[idx].ID
				}
				a.out.Success(fmt.Sprintf("%s: %s is valid (%s)", path, def.Name, strings.Join(order, " -> ")))
			}

			if failed > 0 {
				return &ExitError{
					Code: ExitInvalidGraph,
					Err:  fmt.Errorf("%d of %d graph files are invalid", failed, len(args)),
				}
			}
			return nil
		},
	}
}

// reportInvalid prints every validation error of err, or err itself.
func (a *app) reportInvalid(path string, err error) {
	var verrs graph.ValidationErrors
	if !errors.As(err, &verrs) {
		a.out.Error(fmt.Sprintf("%s: %v", path, err))
		return
	}
	a.out.Error(fmt.Sprintf("%s: %d validation errors", path, len(verrs)))
	rows := make([][]string, len(verrs))
	for i, e := range verrs {
		edge := ""
		if e.Edge >= 0 {
			edge = strconv.Itoa(e.Edge)
		}
		rows[i] = []string{strconv.Itoa(e.Check), e.Code(), e.Node, edge, e.Error()}
	}
	a.out.Table([]string{"CHECK", "CODE", "NODE", "EDGE", "MESSAGE"}, rows)
}

func newCompileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "compile FILE",
		Short: "Build a graph's connectors and print the resolved plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := a.buildRegistry()
			if err != nil {
				return err
			}
			def, err := graph.Load(args[0])
			if err != nil {
				return &ExitError{Code: ExitInvalidGraph, Err: err}
			}
			plan, err := graph.Compile(cmd.Context(), def, reg)
			if err != nil {
				a.reportInvalid(args[0], err)
				return &ExitError{Code: ExitInvalidGraph}
			}
			defer plan.Close()

			a.out.Title(fmt.Sprintf("Plan %s (%s)", plan.Name, plan.ID))
			a.out.Info(fmt.Sprintf("failure policy: %s, max global: %d, graph timeout: %s",
				plan.FailurePolicy, plan.MaxGlobal, formatDuration(plan.GraphTimeout)))

			rows := make([][]string, 0, len(plan.Order))
			for _, id := range plan.Order {
				n := plan.Nodes[id]
				rows = append(rows, []string{
					n.ID,
					string(n.Kind),
					n.Capability,
					strconv.Itoa(n.Policy.Workers),
					strconv.Itoa(n.Policy.BatchSize),
					fmt.Sprintf("%d/%s", n.Policy.Retry.MaxRetries, n.Policy.Retry.Backoff),
					formatDuration(n.Policy.Timeout),
				})
			}
			a.out.Table([]string{"NODE", "KIND", "CAPABILITY", "WORKERS", "BATCH", "RETRY", "TIMEOUT"}, rows)

			edges := make([][]string, len(plan.Edges))
			for i, e := range plan.Edges {
				edges[i] = []string{
					strconv.Itoa(e.Index),
					e.From + ":" + e.FromPort,
					e.To + ":" + e.ToPort,
					strconv.Itoa(e.Capacity),
				}
			}
			a.out.Table([]string{"EDGE", "FROM", "TO", "CAPACITY"}, edges)
			return nil
		},
	}
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}
