package ui

import "github.com/gdamore/tcell/v2"

// Theme colors for the TUI.
var (
	ColorBackground      = tcell.NewHexColor(0x1e1e2e)
	ColorBackgroundPanel = tcell.NewHexColor(0x181825)
	ColorPrimary         = tcell.NewHexColor(0x89b4fa) // blue
	ColorAccent          = tcell.NewHexColor(0xcba6f7) // mauve
	ColorText            = tcell.NewHexColor(0xcdd6f4)
	ColorTextMuted       = tcell.NewHexColor(0x6c7086)
	ColorSuccess         = tcell.NewHexColor(0xa6e3a1) // green
	ColorWarning         = tcell.NewHexColor(0xf9e2af) // yellow
	ColorError           = tcell.NewHexColor(0xf38ba8) // red
	ColorBorder          = tcell.NewHexColor(0x45475a)
)

// Overlay colors, matching the browser page.
const (
	tagMessage   = "[#f46607::b]"
	tagCountdown = "[#ff0000::b]"
)

// Status icons
const (
	IconShowing   = "●"
	IconCountdown = "◐"
	IconIdle      = "○"
	IconOffline   = "✗"
)

func StatusIcon(status string) (string, tcell.Color) {
	switch status {
	case "showing":
		return IconShowing, ColorSuccess
	case "countdown":
		return IconCountdown, ColorError
	case "offline":
		return IconOffline, ColorWarning
	default:
		return IconIdle, ColorTextMuted
	}
}
