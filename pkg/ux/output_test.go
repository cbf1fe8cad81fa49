// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainPrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut, ModePlain), &out, &errOut
}

func TestPlainOutput(t *testing.T) {
	p, out, errOut := plainPrinter()

	p.Title("ignored")
	p.Success("done")
	p.Info("note")
	p.Warning("careful")
	p.Error("broken")

	assert.Equal(t, "OK: done\nnote\n", out.String())
	assert.Equal(t, "WARN: careful\nERROR: broken\n", errOut.String())
}

func TestPlainTable(t *testing.T) {
	p, out, _ := plainPrinter()
	p.Table([]string{"NODE", "STATUS"}, [][]string{{"src", "success"}, {"out", "failure"}})
	assert.Equal(t, "NODE\tSTATUS\nsrc\tsuccess\nout\tfailure\n", out.String())
}

func TestRichTable(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, ModeRich)
	p.Table([]string{"NODE", "STATUS"}, [][]string{{"src", "success"}})

	assert.Contains(t, out.String(), "NODE")
	assert.Contains(t, out.String(), "src")
	assert.Contains(t, out.String(), "╭")
}

func TestRichErrorFallsBackToOut(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, ModeRich)
	p.Error("broken")
	assert.Contains(t, out.String(), "broken")
	assert.Contains(t, out.String(), string(IconError))
}

func TestStatusIcon(t *testing.T) {
	tests := map[string]Icon{
		"success":         IconSuccess,
		"partial_failure": IconWarning,
		"failure":         IconError,
		"cancelled":       IconError,
		"running":         IconArrow,
		"pending":         IconPending,
		"skipped":         IconPending,
	}
	for status, want := range tests {
		assert.Equal(t, want, StatusIcon(status), status)
	}

	p, _, _ := plainPrinter()
	assert.Equal(t, "success", p.Status("success"))
}

func TestDetectMode(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, ModePlain, DetectMode(f))
	assert.Equal(t, ModePlain, DetectMode(nil))
}

func TestSpinnerPlain(t *testing.T) {
	p, out, _ := plainPrinter()
	s := p.Spinner("running nightly")
	s.Start()
	s.Start()
	s.Update("ignored in plain mode")
	s.Stop()
	s.Stop()
	assert.Equal(t, "PROGRESS: running nightly\n", out.String())
}

func TestSpinnerRichClearsLine(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, nil, ModeRich)
	s := p.Spinner("working")
	s.Start()
	s.Stop()
	assert.Contains(t, out.String(), "\r\033[K")
}
