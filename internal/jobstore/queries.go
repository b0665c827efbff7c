package jobstore

import (
	"fmt"
	"regexp"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Schema names the table and the four columns this service reads and writes.
type Schema struct {
	Table        string `yaml:"table"`
	IDColumn     string `yaml:"id_column"`
	StatusColumn string `yaml:"status_column"`
	ResultColumn string `yaml:"result_column"`
	ErrorColumn  string `yaml:"error_column"`
}

// DefaultSchema matches the recording table of the meeting service.
func DefaultSchema() Schema {
	return Schema{
		Table:        "ims.meet_recording",
		IDColumn:     "id",
		StatusColumn: "status",
		ResultColumn: "web_vtt",
		ErrorColumn:  "stacktrace",
	}
}

// Validate rejects names that are not plain (optionally schema-qualified) identifiers.
func (s Schema) Validate() error {
	names := map[string]string{
		"table":         s.Table,
		"id_column":     s.IDColumn,
		"status_column": s.StatusColumn,
		"result_column": s.ResultColumn,
		"error_column":  s.ErrorColumn,
	}
	for field, name := range names {
		if !identifierPattern.MatchString(name) {
			return fmt.Errorf("invalid %s %q", field, name)
		}
	}
	return nil
}

// queries are built once per Store with '?' placeholders and rebound for the driver.
type queries struct {
	selectPendingForUpdate string
	markProcessing         string
	claimGuarded           string
	commitSuccess          string
	commitFailure          string
	reset                  string
	get                    string
	listByStatus           string
	createTable            string
	insertPending          string
}

func buildQueries(s Schema) queries {
	t, id, st, res, errc := s.Table, s.IDColumn, s.StatusColumn, s.ResultColumn, s.ErrorColumn
	return queries{
		selectPendingForUpdate: fmt.Sprintf(`
		SELECT %[2]s
		FROM %[1]s
		WHERE %[3]s = ?
		ORDER BY %[2]s
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, t, id, st),

		markProcessing: fmt.Sprintf(`UPDATE %[1]s SET %[3]s = ? WHERE %[2]s = ?`, t, id, st),

		claimGuarded: fmt.Sprintf(`
		UPDATE %[1]s
		SET %[3]s = ?
		WHERE %[2]s = (
			SELECT %[2]s FROM %[1]s WHERE %[3]s = ? ORDER BY %[2]s LIMIT 1
		)
		  AND %[3]s = ?
		RETURNING %[2]s`, t, id, st),

		commitSuccess: fmt.Sprintf(`
		UPDATE %[1]s
		SET %[3]s = ?,
		    %[4]s = ?,
		    %[5]s = NULL
		WHERE %[2]s = ?
		  AND %[3]s = ?`, t, id, st, res, errc),

		commitFailure: fmt.Sprintf(`
		UPDATE %[1]s
		SET %[3]s = ?,
		    %[5]s = ?,
		    %[4]s = NULL
		WHERE %[2]s = ?
		  AND %[3]s IN (?, ?)`, t, id, st, res, errc),

		reset: fmt.Sprintf(`
		UPDATE %[1]s
		SET %[3]s = ?,
		    %[4]s = NULL,
		    %[5]s = NULL
		WHERE %[2]s = ?
		  AND %[3]s IN (?, ?)`, t, id, st, res, errc),

		get: fmt.Sprintf(`
		SELECT %[2]s AS id, %[3]s AS status, %[4]s AS result_text, %[5]s AS error_detail
		FROM %[1]s
		WHERE %[2]s = ?`, t, id, st, res, errc),

		listByStatus: fmt.Sprintf(`
		SELECT %[2]s
		FROM %[1]s
		WHERE %[3]s = ?
		ORDER BY %[2]s
		LIMIT ?`, t, id, st),

		createTable: fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			%[2]s INTEGER PRIMARY KEY,
			%[3]s INTEGER NOT NULL,
			%[4]s TEXT,
			%[5]s TEXT
		)`, t, id, st, res, errc),

		insertPending: fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, %[3]s) VALUES (?, ?)`, t, id, st),
	}
}
