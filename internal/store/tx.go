package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Tx is a single transactional scope over the replica. All mutations made
// through it become visible atomically at Commit; Rollback discards them.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a new transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{tx: tx}, nil
}

// Insert adds one row to the table. Column order is canonicalized so the
// generated SQL is stable for identical payloads.
func (t *Tx) Insert(ctx context.Context, table string, row map[string]any) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	if len(row) == 0 {
		return fmt.Errorf("insert into %s requires at least one column", table)
	}

	cols := sortedKeys(row)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	quoted := make([]string, len(cols))
	for i, c := range cols {
		if err := validateIdent(c); err != nil {
			return err
		}
		quoted[i] = fmt.Sprintf("%q", c)
		placeholders[i] = "?"
		args[i] = row[c]
	}

	query := fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Update modifies rows matching the column-equality filter.
func (t *Tx) Update(ctx context.Context, table string, row, filter map[string]any) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	if len(row) == 0 {
		return fmt.Errorf("update of %s requires at least one column", table)
	}
	if len(filter) == 0 {
		return fmt.Errorf("update of %s requires a filter", table)
	}

	var args []any

	setCols := sortedKeys(row)
	sets := make([]string, len(setCols))
	for i, c := range setCols {
		if err := validateIdent(c); err != nil {
			return err
		}
		sets[i] = fmt.Sprintf("%q = ?", c)
		args = append(args, row[c])
	}

	where, whereArgs, err := buildWhere(filter)
	if err != nil {
		return err
	}
	args = append(args, whereArgs...)

	query := fmt.Sprintf("UPDATE %q SET %s WHERE %s",
		table, strings.Join(sets, ", "), where)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	return nil
}

// Delete removes rows matching the column-equality filter.
func (t *Tx) Delete(ctx context.Context, table string, filter map[string]any) error {
	if err := validateIdent(table); err != nil {
		return err
	}
	if len(filter) == 0 {
		return fmt.Errorf("delete from %s requires a filter", table)
	}

	where, args, err := buildWhere(filter)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %q WHERE %s", table, where)

	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return nil
}

// Reset clears every replica table inside the transaction. The repair
// marker maps to this primitive.
//
// Reset is destructive: it leaves the replica empty and relies on the
// caller to repopulate it. The remote contract currently exposes only a
// checksum endpoint, not a row pull, so after a repair the replica stays
// empty until mutations are replayed into it.
func (t *Tx) Reset(ctx context.Context) error {
	for _, table := range ReplicaTables {
		query := fmt.Sprintf("DELETE FROM %q", table)
		if _, err := t.tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Commit makes all mutations in the transaction durable.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback discards the transaction. Calling it after Commit is a no-op
// error from database/sql, which is swallowed so it can run in a defer.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// buildWhere turns a column-equality filter into a WHERE clause with
// canonical column order.
func buildWhere(filter map[string]any) (string, []any, error) {
	cols := sortedKeys(filter)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		if err := validateIdent(c); err != nil {
			return "", nil, err
		}
		conds[i] = fmt.Sprintf("%q = ?", c)
		args[i] = filter[c]
	}
	return strings.Join(conds, " AND "), args, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
