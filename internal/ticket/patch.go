package ticket

import (
	"database/sql"
	"fmt"
	"os"
	"slices"
)

// ExhaustedColumn is the column older ticket databases are missing.
const ExhaustedColumn = "remediation_exhausted_at"

// Column describes one column as reported by PRAGMA table_info.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// PatchReport describes what Patch found and changed.
type PatchReport struct {
	Path    string   `json:"path"`
	Columns []Column `json:"columns"`
	Added   bool     `json:"added"`
}

// Patch adds the remediation_exhausted_at column to the tickets table of an
// existing database. The database must already exist and contain a tickets
// table; nothing else about the schema is touched.
func Patch(path string) (*PatchReport, error) {
	if path == "" {
		return nil, fmt.Errorf("patch: database path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("patch: open %s: %w", path, err)
	}
	defer db.Close()

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='tickets'`).Scan(&name)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("patch: %s has no tickets table", path)
	}
	if err != nil {
		return nil, fmt.Errorf("patch: inspect %s: %w", path, err)
	}

	report := &PatchReport{Path: path}
	report.Added, err = ensureColumn(db, "tickets", ExhaustedColumn, "TEXT")
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}

	report.Columns, err = tableColumns(db, "tickets")
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	if !hasColumn(report.Columns, ExhaustedColumn) {
		return nil, fmt.Errorf("patch: column %s missing after ALTER TABLE", ExhaustedColumn)
	}
	return report, nil
}

// ensureColumn adds name to table unless it is already present.
func ensureColumn(db *sql.DB, table, name, decl string) (bool, error) {
	cols, err := tableColumns(db, table)
	if err != nil {
		return false, err
	}
	if hasColumn(cols, name) {
		return false, nil
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, name, decl)); err != nil {
		return false, fmt.Errorf("add column %s.%s: %w", table, name, err)
	}
	return true, nil
}

func tableColumns(db *sql.DB, table string) ([]Column, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid     int
			c       Column
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("table info %s: %w", table, err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func hasColumn(cols []Column, name string) bool {
	return slices.ContainsFunc(cols, func(c Column) bool { return c.Name == name })
}
