// Package ui renders crewsync state for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/crewdesk/crewsync/internal/orchestrator"
	"github.com/crewdesk/crewsync/internal/reconcile"
	"github.com/crewdesk/crewsync/internal/schema"
)

// Printer renders with styles matched to its output.
type Printer struct {
	r *lipgloss.Renderer

	title  lipgloss.Style
	label  lipgloss.Style
	muted  lipgloss.Style
	good   lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	header lipgloss.Style
	box    lipgloss.Style
}

// NewPrinter returns a printer for w. Colors are used only when w is a
// terminal and the environment allows them.
func NewPrinter(w io.Writer) *Printer {
	profile := termenv.Ascii
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		profile = termenv.EnvColorProfile()
	}
	return NewPrinterWithProfile(w, profile)
}

// NewPrinterWithProfile returns a printer for w using profile.
func NewPrinterWithProfile(w io.Writer, profile termenv.Profile) *Printer {
	r := lipgloss.NewRenderer(w)
	r.SetColorProfile(profile)

	return &Printer{
		r:      r,
		title:  r.NewStyle().Bold(true),
		label:  r.NewStyle().Width(12),
		muted:  r.NewStyle().Foreground(lipgloss.Color("8")),
		good:   r.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("11")),
		bad:    r.NewStyle().Foreground(lipgloss.Color("9")),
		header: r.NewStyle().Bold(true).Underline(true),
		box:    r.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// Status renders an orchestrator status panel. now anchors relative times.
func (p *Printer) Status(s orchestrator.Status, now time.Time) string {
	var state string
	switch s.State {
	case orchestrator.StateOffline:
		state = p.bad.Render("● offline")
	case orchestrator.StateSyncing:
		state = p.warn.Render("● syncing")
	default:
		state = p.good.Render("● online")
	}

	last := p.muted.Render("never")
	if !s.LastSyncTimestamp.IsZero() {
		last = humanize.RelTime(s.LastSyncTimestamp, now, "ago", "from now")
	}

	pending := fmt.Sprintf("%d", s.PendingOperationCount)
	if s.PendingOperationCount > 0 {
		pending = p.warn.Render(pending)
	}

	rows := []string{
		p.title.Render("crewsync"),
		p.row("state", state),
		p.row("last sync", last),
		p.row("pending", pending),
	}
	if s.DroppedOperations > 0 {
		rows = append(rows, p.row("dropped", p.bad.Render(fmt.Sprintf("%d", s.DroppedOperations))))
	}
	if s.LastError != "" {
		rows = append(rows, p.row("last error", p.bad.Render(s.LastError)))
	}
	return p.box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func (p *Printer) row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, p.label.Render(label), value)
}

// Tasks renders a task table.
func (p *Printer) Tasks(tasks []*schema.Task, now time.Time) string {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		due := ""
		if t.DueDate != nil {
			due = humanize.RelTime(*t.DueDate, now, "ago", "from now")
		}
		rows = append(rows, []string{
			p.id(t.ID, t.IsOffline),
			t.Title,
			p.taskStatus(t.Status),
			t.Priority,
			due,
		})
	}
	return p.table([]string{"ID", "TITLE", "STATUS", "PRIORITY", "DUE"}, rows)
}

// Staff renders a staff table.
func (p *Printer) Staff(staff []*schema.Staff) string {
	rows := make([][]string, 0, len(staff))
	for _, s := range staff {
		rows = append(rows, []string{p.id(s.ID, s.IsOffline), s.Name, s.Role, s.Email})
	}
	return p.table([]string{"ID", "NAME", "ROLE", "EMAIL"}, rows)
}

// Teams renders a team table with member counts.
func (p *Printer) Teams(teams []*schema.Team, members map[string]int) string {
	rows := make([][]string, 0, len(teams))
	for _, t := range teams {
		rows = append(rows, []string{p.id(t.ID, t.IsOffline), t.Name, fmt.Sprintf("%d", members[t.ID])})
	}
	return p.table([]string{"ID", "NAME", "MEMBERS"}, rows)
}

// Report renders a reconciliation report.
func (p *Printer) Report(r reconcile.Report) string {
	if !r.Changed() {
		return p.good.Render("local store is consistent")
	}
	return strings.Join([]string{
		p.row("normalized", fmt.Sprintf("%d", r.Normalized)),
		p.row("duplicates", fmt.Sprintf("%d", r.DuplicatesRemoved)),
		p.row("assignments", fmt.Sprintf("%d", r.AssignmentsRemoved)),
	}, "\n")
}

// Counts renders per-collection record counts in collection order.
func (p *Printer) Counts(counts map[schema.Collection]int) string {
	keys := make([]string, 0, len(counts))
	for c := range counts {
		keys = append(keys, string(c))
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, p.row(k, fmt.Sprintf("%d", counts[schema.Collection(k)])))
	}
	return strings.Join(lines, "\n")
}

// id marks records with unconfirmed local writes.
func (p *Printer) id(id string, offline bool) string {
	if offline {
		return id + p.warn.Render("*")
	}
	return id
}

func (p *Printer) taskStatus(status string) string {
	switch status {
	case schema.StatusCompleted:
		return p.good.Render(status)
	case schema.StatusInProgress:
		return p.warn.Render(status)
	case schema.StatusCancelled:
		return p.muted.Render(status)
	default:
		return status
	}
}

// table lays out rows in left-aligned columns sized to their widest cell.
func (p *Printer) table(headers []string, rows [][]string) string {
	if len(rows) == 0 {
		return p.muted.Render("(none)")
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	render := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			pad := widths[i] - lipgloss.Width(cell)
			if i == len(cells)-1 {
				pad = 0
			}
			parts[i] = cell + strings.Repeat(" ", pad)
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	lines := []string{render(headers, &p.header)}
	for _, row := range rows {
		lines = append(lines, render(row, nil))
	}
	return strings.Join(lines, "\n")
}
