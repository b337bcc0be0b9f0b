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
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style

	Box      lipgloss.Style
	ErrorBox lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// Mode
// =============================================================================

// Mode selects how much formatting the printer applies.
type Mode string

const (
	// ModeRich uses colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain uses icons only. Chosen when output is not a terminal.
	ModePlain Mode = "plain"

	// ModeMachine prints stable key=value lines for scripts.
	ModeMachine Mode = "machine"
)

// DetectMode picks ModeMachine when machine is set, ModeRich when out is a
// terminal, and ModePlain otherwise.
func DetectMode(out *os.File, machine bool) Mode {
	if machine {
		return ModeMachine
	}
	if out != nil && (isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())) {
		return ModeRich
	}
	return ModePlain
}

// =============================================================================
// Printer
// =============================================================================

// Printer writes user-facing output. Diagnostics in machine mode go to the
// error writer so stdout stays parseable.
type Printer struct {
	out  io.Writer
	err  io.Writer
	mode Mode
}

// NewPrinter creates a Printer. Nil writers default to stdout and stderr.
func NewPrinter(out, errOut io.Writer, mode Mode) *Printer {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Printer{out: out, err: errOut, mode: mode}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a styled title. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeMachine:
	case ModePlain:
		fmt.Fprintln(p.out, text)
	default:
		fmt.Fprintln(p.out, Styles.Title.Render(text))
	}
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	case ModePlain:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.err, "WARN: %s\n", text)
	case ModePlain:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch p.mode {
	case ModeMachine:
		fmt.Fprintf(p.err, "ERROR: %s\n", text)
	case ModePlain:
		fmt.Fprintf(p.err, "%s %s\n", IconError, text)
	default:
		fmt.Fprintf(p.err, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational message
func (p *Printer) Info(text string) {
	switch p.mode {
	case ModeRich:
		fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
	default:
		fmt.Fprintln(p.out, text)
	}
}
