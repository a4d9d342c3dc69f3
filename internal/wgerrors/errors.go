// Package wgerrors defines the structured error kinds returned across package
// boundaries so that CLI adaptors can surface an error code, offending
// context, and a suggested remediation without parsing message strings.
package wgerrors

import (
	"fmt"
	"strings"

	"github.com/workgraph/workgraph/internal/models"
)

// RecoverableError is an alias for models.RecoverableError, kept so callers
// can depend on this package alone.
type RecoverableError = models.RecoverableError

// NotInitializedError is returned when the graph file is absent.
type NotInitializedError struct {
	Dir string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("workgraph not initialized in %s", e.Dir)
}
func (e *NotInitializedError) ErrorCode() string { return "NOT_INITIALIZED" }
func (e *NotInitializedError) Context() map[string]string {
	return map[string]string{"dir": e.Dir}
}
func (e *NotInitializedError) SuggestedAction() string {
	return "run 'workgraph init' in this directory first"
}

// ParseError is returned when a record fails to parse, naming the offending
// line.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %s:%d: %v", e.Path, e.Line, e.Err)
}
func (e *ParseError) Unwrap() error     { return e.Err }
func (e *ParseError) ErrorCode() string { return "PARSE" }
func (e *ParseError) Context() map[string]string {
	return map[string]string{"path": e.Path, "line": fmt.Sprintf("%d", e.Line)}
}
func (e *ParseError) SuggestedAction() string {
	return "inspect and correct the offending line; malformed records fail the whole load"
}

// NotFoundError is returned when an id lookup fails.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}
func (e *NotFoundError) ErrorCode() string { return "NOT_FOUND" }
func (e *NotFoundError) Context() map[string]string {
	return map[string]string{"kind": e.Kind, "id": e.ID}
}
func (e *NotFoundError) SuggestedAction() string {
	return "verify the id with 'workgraph list' or 'workgraph agents'"
}

// ConflictError is returned for duplicate ids or already-in-state operations.
type ConflictError struct {
	ID     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %q: %s", e.ID, e.Reason)
}
func (e *ConflictError) ErrorCode() string { return "CONFLICT" }
func (e *ConflictError) Context() map[string]string {
	return map[string]string{"id": e.ID, "reason": e.Reason}
}
func (e *ConflictError) SuggestedAction() string {
	return "choose a different id, or inspect current state before retrying"
}

// BlockedError is returned when a precondition is unmet, carrying the list of
// unsatisfied blockers.
type BlockedError struct {
	ID       string
	Rule     string
	Blockers []string
}

func (e *BlockedError) Error() string {
	if len(e.Blockers) == 0 {
		return fmt.Sprintf("%q blocked: %s", e.ID, e.Rule)
	}
	return fmt.Sprintf("%q blocked: %s (blockers: %s)", e.ID, e.Rule, strings.Join(e.Blockers, ", "))
}
func (e *BlockedError) ErrorCode() string { return "BLOCKED" }
func (e *BlockedError) Context() map[string]string {
	return map[string]string{"id": e.ID, "rule": e.Rule, "blockers": strings.Join(e.Blockers, ",")}
}
func (e *BlockedError) SuggestedAction() string {
	return "resolve the listed blockers, or wait for ready_after/cycle re-activation"
}

// ContendedError is returned on lock-acquisition timeout; the caller may
// retry.
type ContendedError struct {
	Resource string
	Timeout  string
}

func (e *ContendedError) Error() string {
	return fmt.Sprintf("timed out acquiring lock on %s after %s", e.Resource, e.Timeout)
}
func (e *ContendedError) ErrorCode() string { return "CONTENDED" }
func (e *ContendedError) Context() map[string]string {
	return map[string]string{"resource": e.Resource, "timeout": e.Timeout}
}
func (e *ContendedError) SuggestedAction() string {
	return "retry the operation; another process holds the lock"
}

// IOError wraps an underlying filesystem failure.
type IOError struct {
	Path string
	Op   string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}
func (e *IOError) Unwrap() error     { return e.Err }
func (e *IOError) ErrorCode() string { return "IO" }
func (e *IOError) Context() map[string]string {
	return map[string]string{"path": e.Path, "op": e.Op}
}
func (e *IOError) SuggestedAction() string {
	return "check filesystem permissions and available disk space"
}

// UsageError is returned by the CLI adaptor when command-line arguments are
// malformed or missing — a CLI-only concern distinct from any core error
// kind, since the core never parses argv.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string     { return e.Message }
func (e *UsageError) ErrorCode() string { return "USAGE" }
func (e *UsageError) Context() map[string]string {
	return nil
}
func (e *UsageError) SuggestedAction() string {
	return "run with --help for usage"
}

// CorruptionError is returned when a rotated file fails its zstd integrity
// check. It is non-fatal during replay (the file is skipped with a warning)
// and fatal on the mutation path.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupted rotated log %s: %v", e.Path, e.Err)
}
func (e *CorruptionError) Unwrap() error     { return e.Err }
func (e *CorruptionError) ErrorCode() string { return "CORRUPTION" }
func (e *CorruptionError) Context() map[string]string {
	return map[string]string{"path": e.Path}
}
func (e *CorruptionError) SuggestedAction() string {
	return "move the file aside and continue; audit history for this window is incomplete"
}
