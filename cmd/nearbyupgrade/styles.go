package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

const (
	colorBlack   = "#0B0D0E"
	colorWhite   = "#F5F5F5"
	colorGreen   = "#36C98E"
	colorYellow  = "#E6C65B"
	colorRed     = "#E0607E"
	colorGray    = "#6C7086"
	colorBgBlue  = "#1E2A3A"
)

var (
	styleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorWhite)).Background(lipgloss.Color(colorBgBlue)).Padding(0, 1)
	styleKey    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGray))
	styleActive = lipgloss.NewStyle().Foreground(lipgloss.Color(colorGreen)).Bold(true)
	styleArmed  = lipgloss.NewStyle().Foreground(lipgloss.Color(colorYellow))
	styleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color(colorRed))
)

// customHuhTheme starts from huh's Dracula theme and recolors its focused
// border, title and selected option with this command's palette. No command
// calls it.
func customHuhTheme() *huh.Theme {
	t := huh.ThemeDracula()
	t.Focused.Base = t.Focused.Base.BorderForeground(lipgloss.Color(colorGreen))
	t.Focused.Title = t.Focused.Title.Foreground(lipgloss.Color(colorGreen))
	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(lipgloss.Color(colorGreen))
	return t
}
