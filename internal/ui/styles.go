// Package ui holds the Bubble Tea views used by the CLI: a progress view
// for running conversions and a small player.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/dgnsrekt/readaloud/internal/conversion"
)

const (
	nameWidth = 28
	ellipsis  = "…"
)

var (
	green  = lipgloss.AdaptiveColor{Light: "#04B575", Dark: "#04B575"}
	red    = lipgloss.AdaptiveColor{Light: "#FF4672", Dark: "#ED567A"}
	yellow = lipgloss.AdaptiveColor{Light: "#D9A700", Dark: "#ECFD65"}
	gray   = lipgloss.AdaptiveColor{Light: "#909090", Dark: "#626262"}

	nameStyle    = lipgloss.NewStyle().Width(nameWidth)
	stageStyle   = lipgloss.NewStyle().Foreground(gray)
	okStyle      = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	pendingStyle = lipgloss.NewStyle().Foreground(gray)
	pausedStyle  = lipgloss.NewStyle().Foreground(yellow)
	helpStyle    = lipgloss.NewStyle().Foreground(gray).MarginTop(1)
	cursorStyle  = lipgloss.NewStyle().Foreground(green).Bold(true)
)

// stageLabel is the user-facing name of a pipeline stage.
func stageLabel(s conversion.Stage) string {
	switch s {
	case conversion.StageUpload:
		return "uploading"
	case conversion.StageExtraction:
		return "extracting text"
	case conversion.StageTTS:
		return "synthesizing"
	case conversion.StageProcessing:
		return "finishing"
	case conversion.StageDone:
		return "done"
	default:
		return string(s)
	}
}
