// Package persistence implements the file-based persistence spec.md §9
// explicitly asks to keep simple: "the same JSON shape; writes are small
// enough that a simple write-to-temp + rename is sufficient; no database."
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSONAtomic serializes v and writes it to path via a temp file plus
// rename, so a crash mid-write never leaves a corrupt or partial file behind
// — the only write safety the spec calls for (no database, no WAL).
func WriteJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// ReadJSON loads and unmarshals path into v. A missing file is reported via
// the returned error wrapping os.ErrNotExist so callers can distinguish
// "never written yet" from "corrupt".
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal state %s: %w", path, err)
	}
	return nil
}
