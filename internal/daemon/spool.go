package daemon

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/carelog/sync/internal/op"
)

// spoolFile is the on-disk JSON shape of one queued mutation. Data-access
// code (and the enqueue CLI command) drops these files into the spool
// directory; the daemon picks them up.
type spoolFile struct {
	Kind     string         `json:"kind"`
	Table    string         `json:"table"`
	Payload  map[string]any `json:"payload,omitempty"`
	Filter   map[string]any `json:"filter,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// ReadSpoolFile parses one spool file into an Operation. Identity fields
// (ID, creation time, sequence) are assigned at read time, so spool files
// stay plain declarative mutation descriptions.
func ReadSpoolFile(path string) (op.Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return op.Operation{}, fmt.Errorf("failed to read spool file: %w", err)
	}

	var f spoolFile
	if err := json.Unmarshal(data, &f); err != nil {
		return op.Operation{}, fmt.Errorf("invalid spool file %s: %w", path, err)
	}

	o := op.NewWithPriority(op.Kind(f.Kind), f.Table, f.Payload, f.Filter, f.Priority)
	if err := o.Validate(); err != nil {
		return op.Operation{}, fmt.Errorf("invalid operation in %s: %w", path, err)
	}
	return o, nil
}

// WriteSpoolFile serializes a mutation description into dir under the
// given file name. Used by the enqueue CLI command and tests.
func WriteSpoolFile(path string, kind op.Kind, table string, payload, filter map[string]any, priority int) error {
	data, err := json.MarshalIndent(spoolFile{
		Kind:     string(kind),
		Table:    table,
		Payload:  payload,
		Filter:   filter,
		Priority: priority,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode spool file: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write spool file: %w", err)
	}
	return nil
}
