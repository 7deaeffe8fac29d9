package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/lib/pq"
)

// StringSlice adapts []string to Postgres text[] columns via lib/pq's array
// helpers, the way the teacher's repo package leans on pq for anything
// beyond scalar columns.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	return pq.Array([]string(s)).Value()
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(src interface{}) error {
	if src == nil {
		*s = nil
		return nil
	}
	var raw []string
	if err := pq.Array(&raw).Scan(src); err != nil {
		return fmt.Errorf("scan StringSlice: %w", err)
	}
	*s = raw
	return nil
}
