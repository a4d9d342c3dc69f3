// Package output implements the JSON response envelope CLI commands print
// to stdout: a fixed schema_version/success/data/error shape so
// scripted callers never have to guess the output format.
package output

import (
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/workgraph/workgraph/internal/models"
)

// Response is the standard envelope for every CLI command's stdout.
type Response struct {
	SchemaVersion   string            `json:"schema_version"`
	Success         bool              `json:"success"`
	Data            interface{}       `json:"data,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorCode       string            `json:"error_code,omitempty"`
	ErrorContext    map[string]string `json:"error_context,omitempty"`
	SuggestedAction string            `json:"suggested_action,omitempty"`
}

// Config holds output configuration.
type Config struct {
	Writer io.Writer
	Pretty bool
}

// DefaultConfig returns configuration writing to stdout, compact unless
// WG_PRETTY_JSON is set.
func DefaultConfig() Config {
	pretty := os.Getenv("WG_PRETTY_JSON") == "1" || os.Getenv("WG_PRETTY_JSON") == "true"
	return Config{Writer: os.Stdout, Pretty: pretty}
}

// Success wraps a successful response with data.
func Success(data interface{}) Response {
	return Response{SchemaVersion: "v1", Success: true, Data: data}
}

// Error wraps an error in a response, enriching with structured metadata
// when it implements models.RecoverableError.
func Error(err error) Response {
	resp := Response{SchemaVersion: "v1", Success: false, Error: err.Error()}
	var re models.RecoverableError
	if errors.As(err, &re) {
		resp.ErrorCode = re.ErrorCode()
		resp.ErrorContext = re.Context()
		resp.SuggestedAction = re.SuggestedAction()
	}
	return resp
}

// PrintWith prints v as JSON to the configured writer.
func PrintWith(cfg Config, v interface{}) error {
	enc := json.NewEncoder(cfg.Writer)
	if cfg.Pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// Print prints v as JSON to stdout, compact by default to keep agent-facing
// output small; set WG_PRETTY_JSON=1 for humans.
func Print(v interface{}) error {
	return PrintWith(DefaultConfig(), v)
}

// PrintSuccess prints a success response.
func PrintSuccess(data interface{}) error {
	return Print(Success(data))
}

// PrintError prints an error response.
func PrintError(err error) error {
	return Print(Error(err))
}

// ExitCode maps an error to a CLI exit code: 0 success (callers check
// this only for non-nil err), 1 generic, 2 usage, 3 precondition
// violation, 4 lock contention.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errorCodeIs(err, "USAGE"):
		return 2
	case errorCodeIs(err, "CONTENDED"):
		return 4
	case errorCodeIs(err, "NOT_INITIALIZED"), errorCodeIs(err, "BLOCKED"), errorCodeIs(err, "CONFLICT"):
		return 3
	default:
		return 1
	}
}

func errorCodeIs(err error, code string) bool {
	var re models.RecoverableError
	if !errors.As(err, &re) {
		return false
	}
	return re.ErrorCode() == code
}
