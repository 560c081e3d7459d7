// Package ui bundles the terminal output helpers of the CLI.
package ui

import (
	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/pterm/pterm"
)

// Success prints a green success message.
func Success(format string, args ...interface{}) {
	color.Green(format, args...)
}

// Error prints a red error message.
func Error(format string, args ...interface{}) {
	color.Red(format, args...)
}

// Info prints a plain informational message.
func Info(format string, args ...interface{}) {
	pterm.Printfln(format, args...)
}

// Spinner starts a spinner with the given text. Callers stop it through
// the returned printer.
func Spinner(text string) *pterm.SpinnerPrinter {
	spinner, _ := pterm.DefaultSpinner.Start(text)
	return spinner
}

// Table renders a header row and data rows as a table.
func Table(header []string, rows [][]string) {
	data := pterm.TableData{header}
	data = append(data, rows...)
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// Confirm asks an interactive yes/no question, defaulting to no.
func Confirm(question string) bool {
	confirmed := false
	_ = survey.AskOne(&survey.Confirm{Message: question}, &confirmed)
	return confirmed
}
