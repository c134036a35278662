package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Makepad-fr/tada/internal/notice"
	"github.com/Makepad-fr/tada/internal/view"
)

type styles struct {
	title, success, pending, accent, muted, errText lipgloss.Style
	selected, done, help, panel, input              lipgloss.Style

	boxChecked, boxUnchecked string
}

func stylesFor(theme string) styles {
	plain := lipgloss.NewStyle()
	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("8")).
		Padding(0, 1)

	switch strings.ToLower(theme) {
	case "mono":
		return styles{
			title: plain.Bold(true), success: plain, pending: plain, accent: plain,
			muted: plain, errText: plain.Bold(true),
			selected: plain.Reverse(true), done: plain.Strikethrough(true), help: plain,
			panel: border.BorderForeground(lipgloss.NoColor{}), input: border.BorderForeground(lipgloss.NoColor{}),
			boxChecked: "[x]", boxUnchecked: "[ ]",
		}
	case "neon":
		return styles{
			title:    plain.Bold(true).Foreground(lipgloss.Color("13")),
			success:  plain.Foreground(lipgloss.Color("10")),
			pending:  plain.Foreground(lipgloss.Color("11")),
			accent:   plain.Foreground(lipgloss.Color("14")),
			muted:    plain.Faint(true),
			errText:  plain.Foreground(lipgloss.Color("9")).Bold(true),
			selected: plain.Bold(true).Foreground(lipgloss.Color("13")),
			done:     plain.Faint(true).Strikethrough(true),
			help:     plain.Faint(true),
			panel:    border.BorderForeground(lipgloss.Color("13")),
			input:    border.BorderForeground(lipgloss.Color("14")),

			boxChecked: "◼", boxUnchecked: "◻",
		}
	}
	return styles{
		title:    plain.Bold(true),
		success:  plain.Foreground(lipgloss.Color("42")),
		pending:  plain.Foreground(lipgloss.Color("214")),
		accent:   plain.Foreground(lipgloss.Color("12")),
		muted:    plain.Faint(true),
		errText:  plain.Foreground(lipgloss.Color("9")).Bold(true),
		selected: plain.Bold(true).Reverse(true),
		done:     plain.Faint(true).Strikethrough(true),
		help:     plain.Faint(true),
		panel:    border,
		input:    border,

		boxChecked: "☑", boxUnchecked: "☐",
	}
}

func (s styles) header(st view.Stats) string {
	return fmt.Sprintf("%s   %s %d  %s %d  %s %d",
		s.title.Render("Todos"),
		s.success.Render("✔"), st.Completed,
		s.pending.Render("•"), st.Active,
		s.accent.Render("Total"), st.Total,
	)
}

func (s styles) notice(n notice.Notice) string {
	switch n.Level {
	case notice.Success:
		return s.success.Render("✔ " + n.Text)
	case notice.Warning:
		return s.pending.Render("! " + n.Text)
	case notice.Error:
		return s.errText.Render("✖ " + n.Text)
	}
	return s.accent.Render("› " + n.Text)
}
