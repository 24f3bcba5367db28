package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/JonMunkholm/protosync/internal/reconcile"
	"github.com/JonMunkholm/protosync/internal/store"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // run failed or enforcement aborted
	ExitCommandError = 2 // bad configuration, store or source could not be opened
)

// ExitError carries the process exit code for a failed command. The error
// has already been reported to the user when it is returned.
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

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// textReport is implemented by every report a command prints.
type textReport interface {
	WriteText(w io.Writer) error
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a JSON response.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OutputFormatter writes command results as text or JSON.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
}

// Result prints a report, or an error and whatever partial report exists.
// It returns the ExitError to hand back to cobra.
func (f *OutputFormatter) Result(report textReport, err error, exitCode int) error {
	if f.Format == "json" {
		resp := CLIResponse{Status: "ok"}
		if report != nil {
			resp.Data = report
		}
		if err != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: errorCode(err), Message: err.Error()}
		}
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(resp); encErr != nil {
			return &ExitError{Code: ExitCommandError, Message: "write output", Err: encErr}
		}
	} else {
		if report != nil {
			if wErr := report.WriteText(f.Writer); wErr != nil {
				return &ExitError{Code: ExitCommandError, Message: "write output", Err: wErr}
			}
		}
		if err != nil {
			fmt.Fprintf(f.ErrWriter, "Error [%s]: %v\n", errorCode(err), err)
		}
	}

	if err != nil {
		return &ExitError{Code: exitCode, Message: "command failed", Err: err}
	}
	return nil
}

// Fail reports an error that happened before any report existed.
func (f *OutputFormatter) Fail(err error) error {
	return f.Result(nil, err, ExitCommandError)
}

// Error codes outside the store's catalogue.
const (
	codeConfig = "CFG001"
	codeSource = "SRC001"
)

func errorCode(err error) string {
	var cfgErr *configError
	switch {
	case errors.As(err, &cfgErr):
		return codeConfig
	case errors.Is(err, reconcile.ErrSourceFetch):
		return codeSource
	}
	return store.Code(err)
}
