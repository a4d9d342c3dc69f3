// Package oplog implements the C4 append-only operation log: JSONL records
// at log/operations.jsonl, size-triggered zstd rotation to
// log/<timestamp>.jsonl.zst, and chronological replay across rotated and
// active files.
package oplog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"encoding/json"

	"github.com/klauspost/compress/zstd"

	"github.com/workgraph/workgraph/internal/models"
	"github.com/workgraph/workgraph/internal/wgerrors"
)

// DefaultRotationThreshold is the default size, in bytes, at which the
// active log is rotated.
const DefaultRotationThreshold = 10 * 1024 * 1024

// Dir returns the log directory under a .workgraph directory.
func Dir(workgraphDir string) string {
	return filepath.Join(workgraphDir, "log")
}

// ActivePath returns the path to the active (unrotated) operations log.
func ActivePath(workgraphDir string) string {
	return filepath.Join(Dir(workgraphDir), "operations.jsonl")
}

// Append records one operation entry, rotating first if the active file is
// at or above threshold. Both the rotation and the append happen under the
// caller-held log lock, so at most one rotation per process.
func Append(workgraphDir string, entry models.OperationEntry, threshold int64) error {
	dir := Dir(workgraphDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &wgerrors.IOError{Path: dir, Op: "mkdir", Err: err}
	}

	path := ActivePath(workgraphDir)
	if info, err := os.Stat(path); err == nil && info.Size() >= threshold {
		if err := rotate(path, dir); err != nil {
			return err
		}
	} else if err != nil && !os.IsNotExist(err) {
		return &wgerrors.IOError{Path: path, Op: "stat", Err: err}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return &wgerrors.IOError{Path: path, Op: "marshal", Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &wgerrors.IOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return &wgerrors.IOError{Path: path, Op: "write", Err: err}
	}
	return nil
}

// rotate compresses the active file to a <UTC-timestamp>.jsonl.zst sibling
// (filename sorts chronologically) and truncates the active file to zero
// length.
func rotate(path, dir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &wgerrors.IOError{Path: path, Op: "read", Err: err}
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)))
	if err != nil {
		return &wgerrors.IOError{Path: path, Op: "zstd-init", Err: err}
	}
	compressed := enc.EncodeAll(data, nil)
	_ = enc.Close()

	stamp := time.Now().UTC().Format("20060102T150405.000000Z")
	rotatedPath := filepath.Join(dir, fmt.Sprintf("%s.jsonl.zst", stamp))
	if err := os.WriteFile(rotatedPath, compressed, 0o644); err != nil {
		return &wgerrors.IOError{Path: rotatedPath, Op: "write", Err: err}
	}

	f, err := os.Create(path)
	if err != nil {
		return &wgerrors.IOError{Path: path, Op: "truncate", Err: err}
	}
	return f.Close()
}

// ReadAll returns every operation entry across rotated and active files, in
// commit order. Entries may be duplicated at most once across the
// rotation boundary if a prior rotation wrote its compressed file but failed
// to truncate the active file; callers that need exactly-once semantics must dedupe
// themselves (e.g. by timestamp+op+task_id). A rotated file that fails its
// zstd integrity check is skipped with a warning rather than aborting the
// whole replay; the active file and every other rotated file still get read.
func ReadAll(workgraphDir string) ([]models.OperationEntry, error) {
	dir := Dir(workgraphDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &wgerrors.IOError{Path: dir, Op: "readdir", Err: err}
	}

	var rotatedNames []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl.zst") {
			rotatedNames = append(rotatedNames, e.Name())
		}
	}
	sort.Strings(rotatedNames)

	var out []models.OperationEntry
	for _, name := range rotatedNames {
		path := filepath.Join(dir, name)
		ops, err := readRotated(path)
		if err != nil {
			var ce *wgerrors.CorruptionError
			if errors.As(err, &ce) {
				slog.Default().Warn("skipping corrupted rotated log file", "path", path, "error", err.Error())
				continue
			}
			return nil, err
		}
		out = append(out, ops...)
	}

	active := ActivePath(workgraphDir)
	if _, err := os.Stat(active); err == nil {
		ops, err := readJSONL(active)
		if err != nil {
			return nil, err
		}
		out = append(out, ops...)
	}

	return out, nil
}

func readRotated(path string) ([]models.OperationEntry, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, &wgerrors.IOError{Path: path, Op: "read", Err: err}
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, &wgerrors.CorruptionError{Path: path, Err: err}
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dec); err != nil {
		return nil, &wgerrors.CorruptionError{Path: path, Err: err}
	}

	return parseLines(path, buf.Bytes())
}

func readJSONL(path string) ([]models.OperationEntry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &wgerrors.IOError{Path: path, Op: "read", Err: err}
	}
	return parseLines(path, b)
}

func parseLines(path string, b []byte) ([]models.OperationEntry, error) {
	var out []models.OperationEntry
	scanner := bufio.NewScanner(bytes.NewReader(b))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e models.OperationEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, &wgerrors.ParseError{Path: path, Line: line, Err: err}
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, &wgerrors.IOError{Path: path, Op: "scan", Err: err}
	}
	return out, nil
}
