package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Namespace DDL runs with interpolated identifiers, so every namespace and
// table name is validated against this pattern first. Namespaces are
// machine-generated ("task_<id>"); table names come from plugin
// DeclareStorage and are rejected if they do not match.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// CreateNamespace prepares a task's isolated storage area.
// Postgres gets a real schema; sqlite namespaces are table-name prefixes,
// so creation is lazy (tables appear with EnsureTable).
func (s *Store) CreateNamespace(ctx context.Context, ns string) error {
	if err := checkIdent(ns); err != nil {
		return err
	}
	if s.dialect == dialectPostgres {
		if _, err := s.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS "`+ns+`"`); err != nil {
			return err
		}
	}
	// The checkpoints table always exists so resumable crawls can read it
	// before any records have been written.
	return s.ensureCheckpointTable(ctx, ns)
}

// DropNamespace removes everything the task owns.
func (s *Store) DropNamespace(ctx context.Context, ns string) error {
	if err := checkIdent(ns); err != nil {
		return err
	}
	if s.dialect == dialectPostgres {
		_, err := s.db.ExecContext(ctx, `DROP SCHEMA IF EXISTS "`+ns+`" CASCADE`)
		return err
	}

	// sqlite: drop every table carrying the namespace prefix.
	// Prefix matching happens here rather than via LIKE, since "_" is a
	// LIKE wildcard and every namespace contains one.
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type='table'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		if strings.HasPrefix(name, ns+"_") {
			tables = append(tables, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, tbl := range tables {
		if err := checkIdent(tbl); err != nil {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS "`+tbl+`"`); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTable creates a declared record table inside the namespace.
// Idempotent; plugins may declare the same tables on every run.
func (s *Store) EnsureTable(ctx context.Context, ns, table string) error {
	if err := checkIdent(ns); err != nil {
		return err
	}
	if err := checkIdent(table); err != nil {
		return err
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.dialect.nsTable(ns, table) + ` (
		external_id TEXT PRIMARY KEY,
		data        TEXT NOT NULL,
		scraped_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// UpsertRecord inserts or refreshes one row keyed by the external identifier.
// Re-applying the same record is idempotent: the payload and updated_at are
// overwritten, scraped_at keeps the first-seen time.
func (s *Store) UpsertRecord(ctx context.Context, ns, table, externalID string, payload []byte) error {
	if err := checkIdent(ns); err != nil {
		return err
	}
	if err := checkIdent(table); err != nil {
		return err
	}
	now := fmtTime(time.Now())
	q := `INSERT INTO ` + s.dialect.nsTable(ns, table) + `(external_id, data, scraped_at, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(external_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(q), externalID, string(payload), now, now)
	return err
}

// GetRecord returns the stored payload for one external id.
func (s *Store) GetRecord(ctx context.Context, ns, table, externalID string) ([]byte, error) {
	if err := checkIdent(ns); err != nil {
		return nil, err
	}
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT data FROM `+s.dialect.nsTable(ns, table)+` WHERE external_id = ?`), externalID).Scan(&data)
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// CountRecords reports how many rows a namespace table holds.
func (s *Store) CountRecords(ctx context.Context, ns, table string) (int, error) {
	if err := checkIdent(ns); err != nil {
		return 0, err
	}
	if err := checkIdent(table); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+s.dialect.nsTable(ns, table)).Scan(&n)
	return n, err
}

func (s *Store) ensureCheckpointTable(ctx context.Context, ns string) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.dialect.nsTable(ns, "checkpoints") + ` (
		region        TEXT NOT NULL,
		cell          TEXT NOT NULL,
		records_found INTEGER NOT NULL DEFAULT 0,
		processed_at  TEXT NOT NULL,
		PRIMARY KEY(region, cell)
	)`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// AppendCheckpoint marks one partition as processed. Upsert semantics: a
// revisited partition refreshes its count and timestamp.
func (s *Store) AppendCheckpoint(ctx context.Context, ns string, cp Checkpoint) error {
	if err := checkIdent(ns); err != nil {
		return err
	}
	if cp.ProcessedAt.IsZero() {
		cp.ProcessedAt = time.Now()
	}
	q := `INSERT INTO ` + s.dialect.nsTable(ns, "checkpoints") + `(region, cell, records_found, processed_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(region, cell) DO UPDATE SET records_found=excluded.records_found, processed_at=excluded.processed_at`
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(q),
		cp.Region, cp.Cell, cp.RecordsFound, fmtTime(cp.ProcessedAt))
	return err
}

// ListCheckpoints returns all checkpoints recorded for a region, used to
// compute the remaining work set on a resumed crawl.
func (s *Store) ListCheckpoints(ctx context.Context, ns, region string) ([]Checkpoint, error) {
	if err := checkIdent(ns); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(
		`SELECT region, cell, records_found, processed_at FROM `+
			s.dialect.nsTable(ns, "checkpoints")+` WHERE region = ?`), region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var processed string
		if err := rows.Scan(&cp.Region, &cp.Cell, &cp.RecordsFound, &processed); err != nil {
			return nil, err
		}
		cp.ProcessedAt = parseTime(processed)
		out = append(out, cp)
	}
	return out, rows.Err()
}
