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
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Tone colours a summary value.
type Tone int

const (
	ToneNeutral Tone = iota
	ToneGood
	ToneBad
)

// Stat is one labelled count in a summary.
type Stat struct {
	Key   string
	Label string
	Value int
	Tone  Tone
}

// Summary is the end-of-stage report shown to the user.
type Summary struct {
	// Name is the machine-readable stage name, e.g. "extract".
	Name string

	// Title is shown above the counts in rich and plain modes.
	Title string

	Stats []Stat

	// Failures counts failed items per reason category.
	Failures map[string]int

	// Details are extra key/value lines, e.g. output paths.
	Details [][2]string
}

// Summary prints s in the printer's mode.
//
// # Description
//
// Machine mode prints one "SUMMARY" line followed by one "FAILURE" line per
// reason, sorted by reason. Plain mode prints aligned labels. Rich mode
// wraps the same content in a rounded box, red when any failure occurred.
func (p *Printer) Summary(s Summary) {
	reasons := make([]string, 0, len(s.Failures))
	for r := range s.Failures {
		reasons = append(reasons, r)
	}
	slices.Sort(reasons)

	if p.mode == ModeMachine {
		fields := []string{"SUMMARY:", "stage=" + s.Name}
		for _, st := range s.Stats {
			fields = append(fields, fmt.Sprintf("%s=%d", st.Key, st.Value))
		}
		fmt.Fprintln(p.out, strings.Join(fields, " "))
		for _, r := range reasons {
			fmt.Fprintf(p.out, "FAILURE: stage=%s reason=%s count=%d\n", s.Name, r, s.Failures[r])
		}
		for _, d := range s.Details {
			fmt.Fprintf(p.out, "DETAIL: stage=%s %s=%s\n", s.Name, d[0], d[1])
		}
		return
	}

	width := 0
	for _, st := range s.Stats {
		width = max(width, len(st.Label))
	}
	for _, d := range s.Details {
		width = max(width, len(d[0]))
	}

	var b strings.Builder
	for _, st := range s.Stats {
		fmt.Fprintf(&b, "%-*s  %s\n", width, st.Label, p.toned(st))
	}
	if len(reasons) > 0 {
		b.WriteString("\n")
		b.WriteString(p.style(Styles.Bold, "Failures by reason"))
		b.WriteString("\n")
		for _, r := range reasons {
			fmt.Fprintf(&b, "  %s %s: %d\n", IconBullet, r, s.Failures[r])
		}
	}
	if len(s.Details) > 0 {
		b.WriteString("\n")
		for _, d := range s.Details {
			fmt.Fprintf(&b, "%-*s  %s\n", width, d[0], p.style(Styles.Muted, d[1]))
		}
	}
	body := strings.TrimRight(b.String(), "\n")

	if p.mode == ModePlain {
		fmt.Fprintln(p.out, s.Title)
		fmt.Fprintln(p.out, body)
		return
	}

	box := Styles.Box
	if len(reasons) > 0 {
		box = Styles.ErrorBox
	}
	fmt.Fprintln(p.out, box.Render(Styles.Title.Render(s.Title)+"\n"+body))
}

func (p *Printer) toned(st Stat) string {
	v := fmt.Sprintf("%d", st.Value)
	switch st.Tone {
	case ToneGood:
		return p.style(Styles.Success, v)
	case ToneBad:
		if st.Value > 0 {
			return p.style(Styles.Error, v)
		}
	}
	return p.style(Styles.Bold, v)
}

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.mode != ModeRich {
		return text
	}
	return s.Render(text)
}
