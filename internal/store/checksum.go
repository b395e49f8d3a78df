package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Checksum computes a deterministic digest of the table's current state.
//
// Every row is rendered into a canonical "col=value" encoding, the encoded
// rows are sorted, and the result is hashed with SHA-256. Sorting the
// encoded rows makes the digest independent of both insertion order and
// the order SQLite happens to return rows in, so two replicas holding the
// same logical content always produce the same checksum.
func (s *Store) Checksum(ctx context.Context, table string) (string, error) {
	if err := validateIdent(table); err != nil {
		return "", err
	}

	query := fmt.Sprintf("SELECT * FROM %q", table)
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for checksum: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("failed to get columns of %s: %w", table, err)
	}

	var encoded []string
	values := make([]any, len(cols))
	scanTargets := make([]any, len(cols))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return "", fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		fields := make([]string, len(cols))
		for i, c := range cols {
			fields[i] = c + "=" + canonicalValue(values[i])
		}
		// 0x1f separates fields, 0x1e terminates the row, so column
		// values can never run together across boundaries.
		encoded = append(encoded, strings.Join(fields, "\x1f")+"\x1e")
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("error iterating %s rows: %w", table, err)
	}

	sort.Strings(encoded)

	h := sha256.New()
	h.Write([]byte(table))
	h.Write([]byte{0x1e})
	for _, row := range encoded {
		h.Write([]byte(row))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChecksumTables combines the per-table digests of the given tables into a
// single digest. Table order is canonicalized before hashing.
func (s *Store) ChecksumTables(ctx context.Context, tables []string) (string, error) {
	sorted := make([]string, len(tables))
	copy(sorted, tables)
	sort.Strings(sorted)

	h := sha256.New()
	for _, table := range sorted {
		sum, err := s.Checksum(ctx, table)
		if err != nil {
			return "", err
		}
		h.Write([]byte(table))
		h.Write([]byte{'='})
		h.Write([]byte(sum))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalValue renders a scanned SQL value in a type-prefixed form so
// that, for example, the integer 1 and the string "1" digest differently.
func canonicalValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "~"
	case []byte:
		return "b:" + hex.EncodeToString(val)
	case string:
		return "s:" + val
	case int64:
		return fmt.Sprintf("i:%d", val)
	case float64:
		return fmt.Sprintf("f:%g", val)
	case bool:
		return fmt.Sprintf("t:%v", val)
	default:
		return fmt.Sprintf("x:%v", val)
	}
}
