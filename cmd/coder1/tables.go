package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/MichaelrKraft/coder1-ide-sub010/internal/agent"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	statusStyles = map[agent.TaskStatus]lipgloss.Style{
		agent.TaskPending:    cellStyle.Foreground(lipgloss.Color("3")), // Yellow
		agent.TaskAssigned:   cellStyle.Foreground(lipgloss.Color("4")), // Blue
		agent.TaskInProgress: cellStyle.Foreground(lipgloss.Color("6")), // Cyan
		agent.TaskCompleted:  cellStyle.Foreground(lipgloss.Color("2")), // Green
		agent.TaskFailed:     cellStyle.Foreground(lipgloss.Color("1")), // Red
	}
)

// renderTable draws rows under headers. statusCol, when >= 0, colours that
// column by task status.
func renderTable(headers []string, rows [][]string, statusCol int) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				if st, ok := statusStyles[agent.TaskStatus(rows[row][col])]; ok {
					return st
				}
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}
