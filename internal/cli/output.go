package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"ricevute/internal/client"
	"ricevute/internal/core"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // rejected input or missing record
	ExitCommandError = 2 // bad flags, config or arguments
	ExitUnavailable  = 3 // server or network unreachable; retry later
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// classify wraps a client error with the exit code and message the user
// should see.
func classify(action string, err error) error {
	if err == nil {
		return nil
	}
	if ve, ok := core.AsValidation(err); ok {
		return WrapExitError(ExitFailure, action+" rejected", ve)
	}
	switch {
	case errors.Is(err, core.ErrNotFound):
		return WrapExitError(ExitFailure, action+": not found", nil)
	case errors.Is(err, client.ErrUnauthorized):
		return WrapExitError(ExitCommandError, action+": unauthorized, check the token", nil)
	case errors.Is(err, core.ErrTransport):
		return WrapExitError(ExitUnavailable, action+" failed, try again", err)
	}
	return WrapExitError(ExitFailure, action+" failed", err)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// Expenses prints a collection.
func (f *OutputFormatter) Expenses(list []core.Expense) error {
	if f.Format == "json" {
		return f.json(map[string]any{"expenses": list})
	}

	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAMOUNT\tRECEIPT\tUPDATED")
	var total int64
	for _, e := range list {
		id := fmt.Sprintf("%d", e.ID)
		if e.ID < 0 {
			id = "(saving)"
		}
		receipt := "-"
		if e.HasAttachment() {
			receipt = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, e.Title, core.FormatAmount(e.Amount), receipt, updated(e.UpdatedAt))
		total += e.Amount
	}
	fmt.Fprintf(tw, "\t%d records\t%s\t\t\n", len(list), core.FormatAmount(total))
	return tw.Flush()
}

// Expense prints one record.
func (f *OutputFormatter) Expense(e core.Expense) error {
	if f.Format == "json" {
		return f.json(map[string]any{"expense": e})
	}
	fmt.Fprintf(f.Writer, "#%d %s  %s\n", e.ID, e.Title, core.FormatAmount(e.Amount))
	if e.HasAttachment() {
		fmt.Fprintf(f.Writer, "  receipt: %s\n", *e.AttachmentKey)
		if e.AttachmentURL != nil {
			fmt.Fprintf(f.Writer, "  download: %s\n", *e.AttachmentURL)
		}
	}
	return nil
}

// Message prints a short status line; JSON output wraps it.
func (f *OutputFormatter) Message(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if f.Format == "json" {
		return f.json(map[string]string{"status": "ok", "message": msg})
	}
	_, err := fmt.Fprintln(f.Writer, msg)
	return err
}

// VerboseLog outputs a message only if verbose mode is enabled. It goes to
// ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

func (f *OutputFormatter) json(v any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func updated(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
