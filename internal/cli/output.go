package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but something failed (uploads, scenarios)
	ExitCommandError = 2 // the command could not run (bad flags, config, database)
)

// Error codes reported in the JSON error envelope.
const (
	CodeCommand    = "E_COMMAND"
	CodeFailed     = "E_FAILED"
	CodeTestFailed = "E_TEST_FAILED"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error

	// Reported marks failures whose result was already written to stdout,
	// so Execute does not print an error envelope after it.
	Reported bool
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError with no underlying cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError wrapping err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// reportedFailure is an ExitFailure for a command that has already printed
// its result.
func reportedFailure(format string, args ...any) *ExitError {
	return &ExitError{Code: ExitFailure, Message: fmt.Sprintf(format, args...), Reported: true}
}

// GetExitCode maps err to a process exit code. Errors that are not an
// ExitError (cobra flag errors, for one) exit with ExitFailure.
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

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // text-mode errors; defaults to Writer
}

// CLIResponse is the JSON envelope for every command result.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success writes data. Text output prints the value, so types with a
// String method control their own rendering.
func (f *OutputFormatter) Success(data any) error {
	if f.Format != "json" {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return f.encode(CLIResponse{Status: "ok", Data: data})
}

// Failure writes data with an error status. Used by commands whose result
// is itself the failure report.
func (f *OutputFormatter) Failure(code, message string, data any) error {
	if f.Format != "json" {
		_, err := fmt.Fprintln(f.Writer, data)
		return err
	}
	return f.encode(CLIResponse{
		Status: "error",
		Data:   data,
		Error:  &CLIError{Code: code, Message: message},
	})
}

// Error reports err. JSON goes to Writer so scripts always get one
// envelope on stdout; text goes to ErrWriter.
func (f *OutputFormatter) Error(err error) error {
	code := CodeFailed
	if GetExitCode(err) == ExitCommandError {
		code = CodeCommand
	}
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: err.Error()},
		})
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	_, werr := fmt.Fprintln(w, "Error:", err)
	return werr
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}
