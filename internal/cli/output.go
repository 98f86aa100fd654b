package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes.
const (
	ExitFailure      = 1 // the operation ran and failed
	ExitCommandError = 2 // bad arguments or configuration
)

// ExitError attaches a process exit code to Err. Reported is set once the error
// has been written in the selected format.
type ExitError struct {
	Code     int
	Err      error
	Reported bool
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// GetExitCode maps err to the process exit code. Errors without an ExitError
// exit with ExitFailure.
func GetExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// IsReported tells main whether err was already printed.
func IsReported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Reported
}

// envelope is the JSON shape of every command result.
type envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// printer renders results. In JSON mode both outcomes are one envelope on
// stdout; in text mode errors go to stderr.
type printer struct {
	json   bool
	out    io.Writer
	errOut io.Writer
}

func (p printer) ok(data any, text string) error {
	if p.json {
		return json.NewEncoder(p.out).Encode(envelope{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(p.out, text)
	return err
}

func (p printer) fail(code, message string) error {
	if p.json {
		return json.NewEncoder(p.out).Encode(envelope{
			Status: "error",
			Error:  &errorBody{Code: code, Message: message},
		})
	}
	_, err := fmt.Fprintf(p.errOut, "Error [%s]: %s\n", code, message)
	return err
}
