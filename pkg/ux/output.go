// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the flow CLI.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
)

// Aleutian color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Border  lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
	Border:  lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Mode selects rich or plain output.
type Mode int

const (
	// ModeRich uses colors, icons, and bordered tables.
	ModeRich Mode = iota

	// ModePlain writes tab-separated text suitable for scripts.
	ModePlain
)

// DetectMode returns ModeRich when f is a terminal and ModePlain otherwise.
func DetectMode(f *os.File) Mode {
	if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return ModeRich
	}
	return ModePlain
}

// Printer writes styled output to out and diagnostics to errOut.
//
// Thread Safety: not safe for concurrent use.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	mode   Mode
}

// NewPrinter creates a Printer.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	if errOut == nil {
		errOut = out
	}
	return &Printer{out: out, errOut: errOut, mode: mode}
}

// Out returns the main writer.
func (p *Printer) Out() io.Writer { return p.out }

// Plain reports whether the printer is in plain mode.
func (p *Printer) Plain() bool { return p.mode == ModePlain }

// Title prints a heading. Plain mode skips it.
func (p *Printer) Title(text string) {
	if p.Plain() {
		return
	}
	fmt.Fprintln(p.out, Styles.Title.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.Plain() {
		fmt.Fprintf(p.out, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning line to errOut.
func (p *Printer) Warning(text string) {
	if p.Plain() {
		fmt.Fprintf(p.errOut, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error line to errOut.
func (p *Printer) Error(text string) {
	if p.Plain() {
		fmt.Fprintf(p.errOut, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.errOut, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.Plain() {
		fmt.Fprintln(p.out, text)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
}

// Table prints rows under headers. Plain mode writes a tab-separated header
// line followed by one line per row.
func (p *Printer) Table(headers []string, rows [][]string) {
	if p.Plain() {
		fmt.Fprintln(p.out, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(p.out, strings.Join(row, "\t"))
		}
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	fmt.Fprintln(p.out, t.Render())
}

// StatusIcon maps a run or node status name to an icon.
func StatusIcon(status string) Icon {
	switch status {
	case "success":
		return IconSuccess
	case "partial_failure":
		return IconWarning
	case "failure", "cancelled":
		return IconError
	case "running":
		return IconArrow
	default:
		return IconPending
	}
}

// Status renders a status with its icon in rich mode and bare in plain mode.
func (p *Printer) Status(status string) string {
	if p.Plain() {
		return status
	}
	return StatusIcon(status).Render() + " " + status
}
