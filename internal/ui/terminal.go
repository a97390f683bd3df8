package ui

import (
	"os"

	"golang.org/x/term"
)

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// ShouldUseColor follows the NO_COLOR and CLICOLOR_FORCE conventions and
// otherwise colors only terminal output.
func ShouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	return IsTerminal()
}

// ShouldPrompt reports whether interactive prompts can be shown.
func ShouldPrompt() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && IsTerminal()
}
