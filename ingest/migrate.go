package ingest

import (
	"context"
	"fmt"
)

// columnSpec and indexSpec describe the target schema the migrator
// reconciles the live database against. Grounded on db/postgres.go's
// PGMigrations/PGInfo (which introspects information_schema.tables and
// calls AutoMigrate), generalized here to a hand-rolled diff against
// information_schema.columns/pg_indexes because C1's migration must also
// drop indexes, which GORM's AutoMigrate never does.
type columnSpec struct {
	name string
	ddl  string // type clause used in ADD COLUMN
}

type indexSpec struct {
	name    string
	unique  bool
	columns []string
}

var targetColumns = []columnSpec{
	{"id", "BIGSERIAL PRIMARY KEY"},
	{"output_connection", "VARCHAR(32) NOT NULL"},
	{"doc_key", "VARCHAR(73) NOT NULL"},
	{"doc_uri", "TEXT"},
	{"uri_hash", "VARCHAR(40)"},
	{"last_version", "TEXT"},
	{"last_output_version", "TEXT NOT NULL DEFAULT ''"},
	{"last_transformation_version", "TEXT NOT NULL DEFAULT ''"},
	{"forced_params", "TEXT NOT NULL DEFAULT ''"},
	{"change_count", "BIGINT NOT NULL DEFAULT 0"},
	{"first_ingest", "BIGINT NOT NULL DEFAULT 0"},
	{"last_ingest", "BIGINT NOT NULL DEFAULT 0"},
	{"authority_name", "VARCHAR(32) NOT NULL DEFAULT ''"},
}

var targetIndexes = []indexSpec{
	{"ingeststatus_dockey_output_uq", true, []string{"doc_key", "output_connection"}},
	{"ingeststatus_urihash_output_idx", false, []string{"uri_hash", "output_connection"}},
	{"ingeststatus_output_idx", false, []string{"output_connection"}},
}

// Migrate reconciles the live ingeststatus schema with the target,
// idempotently: create the table if absent; add any missing column;
// create any missing index; drop any non-primary-key index not in the
// target list.
func (s *Store) Migrate(ctx context.Context) error {
	exists, err := s.tableExists(ctx)
	if err != nil {
		return err
	}
	if !exists {
		return s.createTable(ctx)
	}

	existingCols, err := s.existingColumns(ctx)
	if err != nil {
		return err
	}
	for _, col := range targetColumns {
		if col.name == "id" {
			continue // never altered post-creation
		}
		if _, ok := existingCols[col.name]; ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", ingestTable, col.name, col.ddl)
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classifyPG("migrate.addcolumn", err)
		}
	}

	existingIdx, err := s.existingIndexes(ctx)
	if err != nil {
		return err
	}
	target := make(map[string]bool, len(targetIndexes))
	for _, idx := range targetIndexes {
		target[idx.name] = true
		if existingIdx[idx.name] {
			continue
		}
		if err := s.createIndex(ctx, idx); err != nil {
			return err
		}
	}
	for name := range existingIdx {
		if target[name] || isPrimaryKeyIndex(name) {
			continue
		}
		if _, err := s.pool.Exec(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s", name)); err != nil {
			return classifyPG("migrate.dropindex", err)
		}
	}
	return nil
}

func isPrimaryKeyIndex(name string) bool {
	return name == ingestTable+"_pkey"
}

func (s *Store) tableExists(ctx context.Context) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name=$1)`, ingestTable).Scan(&exists)
	if err != nil {
		return false, classifyPG("migrate.tableexists", err)
	}
	return exists, nil
}

func (s *Store) createTable(ctx context.Context) error {
	cols := make([]string, len(targetColumns))
	for i, c := range targetColumns {
		cols[i] = fmt.Sprintf("%s %s", c.name, c.ddl)
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", ingestTable, joinComma(cols))
	if _, err := s.pool.Exec(ctx, stmt); err != nil {
		return classifyPG("migrate.createtable", err)
	}
	for _, idx := range targetIndexes {
		if err := s.createIndex(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createIndex(ctx context.Context, idx indexSpec) error {
	uniq := ""
	if idx.unique {
		uniq = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)", uniq, idx.name, ingestTable, joinComma(idx.columns))
	_, err := s.pool.Exec(ctx, stmt)
	return classifyPG("migrate.createindex", err)
}

func (s *Store) existingColumns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT column_name FROM information_schema.columns WHERE table_schema='public' AND table_name=$1`, ingestTable)
	if err != nil {
		return nil, classifyPG("migrate.existingcolumns", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyPG("migrate.existingcolumns.scan", err)
		}
		out[name] = true
	}
	return out, classifyPG("migrate.existingcolumns.rows", rows.Err())
}

func (s *Store) existingIndexes(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT indexname FROM pg_indexes WHERE schemaname='public' AND tablename=$1`, ingestTable)
	if err != nil {
		return nil, classifyPG("migrate.existingindexes", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classifyPG("migrate.existingindexes.scan", err)
		}
		out[name] = true
	}
	return out, classifyPG("migrate.existingindexes.rows", rows.Err())
}

func joinComma(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
