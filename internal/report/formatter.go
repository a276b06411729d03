// Package report renders dispatch results for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/agent462/fleetrun/internal/dispatch"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF90")).Bold(true)
	addrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00E5FF"))
	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672"))
	addStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	delStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672"))
	hdrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#00E5FF"))
)

// Formatter formats dispatch results.
type Formatter struct {
	JSON       bool
	ErrorsOnly bool
	Color      bool
}

// NewFormatter creates a Formatter with the given options.
func NewFormatter(jsonOutput, errorsOnly, color bool) *Formatter {
	return &Formatter{
		JSON:       jsonOutput,
		ErrorsOnly: errorsOnly,
		Color:      color,
	}
}

// Render returns Format or FormatJSON output depending on f.JSON.
func (f *Formatter) Render(results dispatch.Results) (string, error) {
	if !f.JSON {
		return f.Format(results), nil
	}
	data, err := f.FormatJSON(results)
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// Format renders results as grouped, human-readable text.
func (f *Formatter) Format(results dispatch.Results) string {
	grouped := Group(results)

	var b strings.Builder
	succeeded, nonZero := 0, 0

	for i := range grouped.Groups {
		g := &grouped.Groups[i]
		if g.ExitCode != 0 {
			nonZero += len(g.Addresses)
		} else {
			succeeded += len(g.Addresses)
		}
		if !f.ErrorsOnly || g.ExitCode != 0 {
			f.writeGroup(&b, g, len(grouped.Groups))
			b.WriteString("\n")
		}
	}

	for _, fn := range grouped.Failed {
		f.writeFailed(&b, fn)
		b.WriteString("\n")
	}

	b.WriteString(summaryLine(succeeded, nonZero, len(grouped.Failed)))
	b.WriteString("\n")
	return b.String()
}

// FormatJSON serializes results as an object keyed by address, in the
// {ret_code, stdout, stderr} / {ret_code, error, kind} shapes.
func (f *Formatter) FormatJSON(results dispatch.Results) ([]byte, error) {
	if f.ErrorsOnly {
		filtered := make(dispatch.Results)
		for addr, o := range results {
			if o.Failed() || o.ExitCode != 0 {
				filtered[addr] = o
			}
		}
		results = filtered
	}
	if results == nil {
		results = dispatch.Results{}
	}
	return json.MarshalIndent(results, "", "  ")
}

func (f *Formatter) writeGroup(b *strings.Builder, g *OutputGroup, totalGroups int) {
	count := len(g.Addresses)
	word := plural(count, "host", "hosts")

	switch {
	case g.ExitCode != 0:
		b.WriteString(f.paint(errStyle, fmt.Sprintf(" %d %s exited with code %d:", count, word, g.ExitCode)))
	case g.IsNorm && totalGroups == 1 && count == 1:
		b.WriteString(f.paint(okStyle, fmt.Sprintf(" %d %s:", count, word)))
	case g.IsNorm:
		b.WriteString(f.paint(okStyle, fmt.Sprintf(" %d %s identical:", count, word)))
	default:
		verb := plural(count, "differs", "differ")
		b.WriteString(f.paint(warnStyle, fmt.Sprintf(" %d %s %s:", count, word, verb)))
	}
	b.WriteString("\n")

	b.WriteString("   ")
	b.WriteString(f.paint(addrStyle, strings.Join(g.Addresses, ", ")))
	b.WriteString("\n")

	for _, line := range splitLines(g.Stdout) {
		b.WriteString("   ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	for _, line := range splitLines(g.Stderr) {
		b.WriteString("   ")
		b.WriteString(f.paint(stderrStyle, "stderr: "+line))
		b.WriteString("\n")
	}

	if !g.IsNorm && g.Diff != "" {
		b.WriteString("\n")
		f.writeDiff(b, g.Diff)
	}
}

func (f *Formatter) writeDiff(b *strings.Builder, diff string) {
	for _, line := range splitLines(diff) {
		b.WriteString("   ")
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			b.WriteString(f.paint(hdrStyle, line))
		case strings.HasPrefix(line, "+"):
			b.WriteString(f.paint(addStyle, line))
		case strings.HasPrefix(line, "-"):
			b.WriteString(f.paint(delStyle, line))
		default:
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
}

func (f *Formatter) writeFailed(b *strings.Builder, fn FailedNode) {
	b.WriteString(f.paint(errStyle, fmt.Sprintf(" 1 host failed (%s):", fn.Kind)))
	b.WriteString("\n")
	b.WriteString("   ")
	b.WriteString(f.paint(addrStyle, fn.Address))
	fmt.Fprintf(b, " (%s)\n", fn.Message)
}

func summaryLine(succeeded, nonZero, failed int) string {
	parts := []string{fmt.Sprintf("%d succeeded", succeeded)}
	if nonZero > 0 {
		parts = append(parts, fmt.Sprintf("%d non-zero exit", nonZero))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	return strings.Join(parts, ", ")
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func (f *Formatter) paint(style lipgloss.Style, text string) string {
	if !f.Color {
		return text
	}
	return style.Render(text)
}
