package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[90m"
)

type Formatter struct {
	JSON    bool
	Verbose bool
	Quiet   bool
	NoColor bool
	Writer  io.Writer
	// ErrWriter receives errors and verbose diagnostics so that Writer only
	// ever carries the final status.
	ErrWriter io.Writer
}

func New(jsonOutput, verbose, quiet, noColor bool) *Formatter {
	return &Formatter{
		JSON:      jsonOutput,
		Verbose:   verbose,
		Quiet:     quiet,
		NoColor:   noColor,
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
	}
}

// Color wraps text in ANSI color codes if colors are enabled
func (f *Formatter) Color(color, text string) string {
	if f.NoColor || f.JSON {
		return text
	}
	return color + text + Reset
}

// Success color (green)
func (f *Formatter) SuccessText(text string) string {
	return f.Color(Green, text)
}

// Error color (red)
func (f *Formatter) ErrorText(text string) string {
	return f.Color(Red, text)
}

// Warning color (yellow)
func (f *Formatter) WarningText(text string) string {
	return f.Color(Yellow, text)
}

// Muted color (gray)
func (f *Formatter) MutedText(text string) string {
	return f.Color(Gray, text)
}

func (f *Formatter) PrintJSON(v interface{}) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintError reports err. In JSON mode the error object goes to Writer, and
// it is printed even when quiet.
func (f *Formatter) PrintError(err error) {
	if f.JSON {
		f.PrintJSON(JSONResponse{
			Success: false,
			Error:   err.Error(),
		})
		return
	}
	if f.Quiet {
		return
	}
	fmt.Fprintf(f.errWriter(), "%s %s\n", f.ErrorText("Error:"), err)
}

func (f *Formatter) PrintSuccess(message string) {
	if f.Quiet {
		return
	}
	fmt.Fprintln(f.Writer, f.SuccessText("✓")+" "+message)
}

func (f *Formatter) PrintWarning(message string) {
	if f.Quiet {
		return
	}
	fmt.Fprintln(f.Writer, f.WarningText("✗")+" "+message)
}

func (f *Formatter) Verbosef(format string, args ...interface{}) {
	if f.Verbose && !f.Quiet {
		msg := fmt.Sprintf(format, args...)
		fmt.Fprintln(f.errWriter(), f.MutedText(msg))
	}
}

func (f *Formatter) errWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return os.Stderr
}

type JSONResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Report prints data wrapped in a JSONResponse with the given outcome. It
// prints nothing in text mode or when quiet.
func (f *Formatter) Report(ok bool, data interface{}, message string) error {
	if !f.JSON || f.Quiet {
		return nil
	}
	return f.PrintJSON(JSONResponse{
		Success: ok,
		Data:    data,
		Message: message,
	})
}
