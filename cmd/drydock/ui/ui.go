package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	AccentStyle  = lipgloss.NewStyle().Foreground(purple)
	SuccessStyle = lipgloss.NewStyle().Foreground(green)
	ErrorStyle   = lipgloss.NewStyle().Foreground(red)
	WarnStyle    = lipgloss.NewStyle().Foreground(yellow)
	MutedStyle   = lipgloss.NewStyle().Foreground(dim)
	BoldStyle    = lipgloss.NewStyle().Bold(true)

	headerStyle = lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(faint)
)

func Accent(s string) string  { return AccentStyle.Render(s) }
func Bold(s string) string    { return BoldStyle.Render(s) }
func Muted(s string) string   { return MutedStyle.Render(s) }
func Success(s string) string { return SuccessStyle.Render(s) }

func SuccessMsg(format string, a ...any) string { return message(SuccessStyle, "✓", format, a...) }
func WarnMsg(format string, a ...any) string    { return message(WarnStyle, "!", format, a...) }
func ErrorMsg(format string, a ...any) string   { return message(ErrorStyle, "✗", format, a...) }

func message(style lipgloss.Style, icon, format string, a ...any) string {
	return style.Render(icon) + " " + fmt.Sprintf(format, a...)
}

// Outcome renders an update result: "ok" or the error text.
func Outcome(err error) string {
	if err == nil {
		return SuccessStyle.Render("ok")
	}
	return ErrorStyle.Render(err.Error())
}

// OrDash renders empty values as a muted dash.
func OrDash(s string) string {
	if s == "" {
		return MutedStyle.Render("-")
	}
	return s
}

type Pair struct {
	key   string
	value string
}

func KV(key, value string) Pair {
	return Pair{key: key, value: value}
}

// KeyValues renders aligned "key: value" lines, each ending in a newline.
func KeyValues(indent string, pairs ...Pair) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p.key)+1)
	}
	var sb strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&sb, "%s%s %s\n", indent, MutedStyle.Render(fmt.Sprintf("%-*s", width, p.key+":")), p.value)
	}
	return sb.String()
}

// Table renders rows under a header with rounded borders. Odd rows are muted.
func Table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 1:
				return cellStyle.Foreground(dim)
			default:
				return cellStyle
			}
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
