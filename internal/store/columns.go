package store

import (
	"context"
	"fmt"
)

// Column describes one table column as reported by information_schema.
type Column struct {
	Name     string  `json:"name"`
	DataType string  `json:"data_type"`
	Nullable bool    `json:"nullable"`
	Default  *string `json:"default,omitempty"`
}

// ListColumns returns the columns of schema.table in ordinal order. An unknown
// table yields an empty slice.
func (s *Store) ListColumns(ctx context.Context, schema, table string) ([]Column, error) {
	if schema == "" {
		schema = "public"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	out := []Column{}
	for rows.Next() {
		var (
			c        Column
			nullable string
		)
		if err := rows.Scan(&c.Name, &c.DataType, &nullable, &c.Default); err != nil {
			return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
		}
		c.Nullable = nullable == "YES"
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", schema, table, err)
	}
	return out, nil
}
