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
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/engine"
)

const demoGraph = `
name: demo
nodes:
  src:
    type: source
    capability: memory.items
    params:
      items:
        - {id: a, n: 1}
        - {id: b, n: 2}
  out:
    type: sink
    capability: memory.collect
    params:
      name: demo-out
edges:
  - {from: src, to: out}
`

const brokenGraph = `
name: broken
nodes:
  src:
    type: source
    capability: does.not.exist
edges: []
`

type harness struct {
	dir    string
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	config := filepath.Join(dir, "flow.yaml")
	body := fmt.Sprintf(`
storage:
  path: %s
  sync_writes: false
  gc_interval: 0s
telemetry:
  trace_exporter: none
  metric_exporter: none
logging:
  quiet: true
`, filepath.Join(dir, "state"))
	require.NoError(t, os.WriteFile(config, []byte(body), 0o644))
	return &harness{dir: dir, config: config}
}

func (h *harness) file(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (h *harness) run(args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", h.config}, args...))
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

func TestCapabilities(t *testing.T) {
	h := newHarness(t)
	out, _, err := h.run("capabilities")
	require.NoError(t, err)
	assert.Contains(t, out, "KIND\tID\tPARAMS\tTRAITS")
	assert.Contains(t, out, "source\tmemory.items\t")
	assert.Contains(t, out, "sink\tmemory.collect\t")
}

func TestValidate(t *testing.T) {
	h := newHarness(t)
	good := h.file(t, "demo.yaml", demoGraph)
	bad := h.file(t, "broken.yaml", brokenGraph)

	out, _, err := h.run("validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "OK: "+good+": demo is valid (src -> out)")

	_, errOut, err := h.run("validate", good, bad)
	assert.Equal(t, ExitInvalidGraph, exitCode(err))
	assert.Contains(t, errOut, "ERROR: "+bad)

	_, _, err = h.run("validate", filepath.Join(h.dir, "missing.yaml"))
	assert.Equal(t, ExitInvalidGraph, exitCode(err))
}

func TestCompile(t *testing.T) {
	h := newHarness(t)
	out, _, err := h.run("compile", h.file(t, "demo.yaml", demoGraph))
	require.NoError(t, err)
	assert.Contains(t, out, "src\tsource\tmemory.items\t")
	assert.Contains(t, out, "out\tsink\tmemory.collect\t")
	assert.Contains(t, out, "EDGE\tFROM\tTO\tCAPACITY")

	_, _, err = h.run("compile", h.file(t, "broken.yaml", brokenGraph))
	assert.Equal(t, ExitInvalidGraph, exitCode(err))
}

func TestRunThenList(t *testing.T) {
	h := newHarness(t)
	path := h.file(t, "demo.yaml", demoGraph)

	out, _, err := h.run("run", path, "--scope", "cli-test")
	require.NoError(t, err)
	assert.Contains(t, out, "PROGRESS: starting run")
	assert.Contains(t, out, "OK: success in")
	assert.Contains(t, out, "src\tsuccess\t")
	assert.Contains(t, out, "out\tsuccess\t2\t")

	out, _, err = h.run("runs")
	require.NoError(t, err)
	assert.Contains(t, out, "\tdemo\tsuccess\t")
	assert.Contains(t, out, "\tcli-test")

	_, _, err = h.run("runs", "show", "missing")
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestRunInvalidGraph(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run("run", h.file(t, "broken.yaml", brokenGraph))
	assert.Equal(t, ExitInvalidGraph, exitCode(err))
}

func TestBadLogLevel(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.run("--log-level", "loud", "capabilities")
	assert.ErrorContains(t, err, "--log-level")
}

func TestExitForRun(t *testing.T) {
	assert.NoError(t, exitForRun(engine.Run{Status: engine.StatusSuccess}))
	assert.Equal(t, ExitPartialFailure, exitCode(exitForRun(engine.Run{Status: engine.StatusPartialFailure})))
	assert.Equal(t, ExitFailure, exitCode(exitForRun(engine.Run{Status: engine.StatusCancelled})))
}
