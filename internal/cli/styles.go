// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// styles.go - Centralized styling for the courier CLI.
//
// Color handling:
// - Respects NO_COLOR environment variable (https://no-color.org/)
// - Colors degrade automatically on dumb terminals via lipgloss

package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// SHARED STYLES
// =============================================================================

var (
	// PromptStyle renders the input prompt.
	PromptStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")) // Cyan

	// TitleStyle is used for banners and section headers.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")) // Purple

	// InfoStyle is used for secondary information.
	InfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")) // Light gray

	// CommandStyle highlights command names and values.
	CommandStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")) // Green

	// WarningStyle is used for warnings and recovery notices.
	WarningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // Yellow/Orange

	// ErrorStyle is used for error messages.
	ErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	// DimStyle is used for de-emphasized text such as thinking output.
	DimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")) // Dim gray

	// BadgeStyle marks recovered and incomplete messages in history.
	BadgeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)
)

// RenderSeparator renders a horizontal separator line.
func RenderSeparator(width int) string {
	if width <= 0 {
		width = 30
	}
	return InfoStyle.Render(strings.Repeat("─", width))
}
