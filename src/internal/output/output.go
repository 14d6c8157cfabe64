// Package output provides consistent terminal and JSON output for the preview CLI.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Format is the CLI output format.
type Format string

const (
	FormatDefault Format = "default"
	FormatJSON    Format = "json"
)

// ANSI color codes.
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Dim     = "\033[2m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// Status symbols.
const (
	SymbolCheck = "✓"
	SymbolCross = "✗"
	SymbolWarn  = "⚠"
	SymbolInfo  = "ℹ"
	SymbolDot   = "•"
)

var (
	formatMu      sync.RWMutex
	currentFormat = FormatDefault
	titleCaser    = cases.Title(language.English)
)

// SetFormat sets the global output format. An empty string selects the default.
func SetFormat(format string) error {
	formatMu.Lock()
	defer formatMu.Unlock()

	switch Format(format) {
	case FormatDefault, "":
		currentFormat = FormatDefault
	case FormatJSON:
		currentFormat = FormatJSON
	default:
		return fmt.Errorf("invalid output format %q: must be 'default' or 'json'", format)
	}
	return nil
}

// GetFormat returns the current output format.
func GetFormat() Format {
	formatMu.RLock()
	defer formatMu.RUnlock()
	return currentFormat
}

// IsJSON reports whether JSON output is selected.
func IsJSON() bool {
	return GetFormat() == FormatJSON
}

// PrintJSON writes data to stdout as indented JSON.
func PrintJSON(data interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON output: %w", err)
	}
	return nil
}

// PrintDefault calls formatter only in default mode.
func PrintDefault(formatter func()) {
	if !IsJSON() {
		formatter()
	}
}

// Print writes data as JSON in JSON mode, otherwise calls formatter.
func Print(data interface{}, formatter func()) error {
	if IsJSON() {
		return PrintJSON(data)
	}
	formatter()
	return nil
}

// Header prints a bold, title-cased header line.
func Header(text string) {
	fmt.Fprintf(os.Stdout, "\n%s%s%s\n", Bold, titleCaser.String(text), Reset)
	fmt.Fprintf(os.Stdout, "%s%s%s\n", Gray, strings.Repeat("─", len(text)), Reset)
}

// Section prints a section heading with an icon.
func Section(icon, text string) {
	fmt.Fprintf(os.Stdout, "\n%s %s%s%s\n", icon, Bold, text, Reset)
}

// Success prints a success message.
func Success(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s%s%s %s\n", Green, SymbolCheck, Reset, fmt.Sprintf(format, args...))
}

// Error prints an error message.
func Error(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s%s%s %s\n", Red, SymbolCross, Reset, fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func Warning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s%s%s %s\n", Yellow, SymbolWarn, Reset, fmt.Sprintf(format, args...))
}

// Info prints an informational message.
func Info(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s%s%s %s\n", Cyan, SymbolInfo, Reset, fmt.Sprintf(format, args...))
}

// Step prints a progress step.
func Step(icon, format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "%s %s\n", icon, fmt.Sprintf(format, args...))
}

// Item prints an indented bullet.
func Item(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "  %s%s%s %s\n", Gray, SymbolDot, Reset, fmt.Sprintf(format, args...))
}

func ItemSuccess(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "  %s%s%s %s\n", Green, SymbolCheck, Reset, fmt.Sprintf(format, args...))
}

func ItemError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "  %s%s%s %s\n", Red, SymbolCross, Reset, fmt.Sprintf(format, args...))
}

func ItemWarning(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, "  %s%s%s %s\n", Yellow, SymbolWarn, Reset, fmt.Sprintf(format, args...))
}

// Divider prints a horizontal rule.
func Divider() {
	fmt.Fprintf(os.Stdout, "%s%s%s\n", Gray, strings.Repeat("─", 60), Reset)
}

// Newline prints an empty line.
func Newline() {
	fmt.Fprintln(os.Stdout)
}

// Label prints an aligned key/value pair.
func Label(label, value string) {
	fmt.Fprintf(os.Stdout, "  %s%-12s%s %s\n", Gray, label+":", Reset, value)
}

// Highlight returns text in cyan.
func Highlight(format string, args ...interface{}) string {
	return Cyan + fmt.Sprintf(format, args...) + Reset
}

// Emphasize returns text in bold.
func Emphasize(format string, args ...interface{}) string {
	return Bold + fmt.Sprintf(format, args...) + Reset
}

// Muted returns text in gray.
func Muted(format string, args ...interface{}) string {
	return Gray + fmt.Sprintf(format, args...) + Reset
}

// URL returns an underlined blue URL.
func URL(url string) string {
	return Blue + "\033[4m" + url + Reset
}

// Count returns a bold number.
func Count(n int) string {
	return fmt.Sprintf("%s%d%s", Bold, n, Reset)
}

// State colors a preview lifecycle state for display.
func State(state string) string {
	switch state {
	case "ready":
		return Green + state + Reset
	case "error":
		return Red + state + Reset
	case "starting", "launching", "queued", "restarting":
		return Yellow + state + Reset
	default:
		return Gray + state + Reset
	}
}
