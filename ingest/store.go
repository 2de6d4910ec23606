package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ingestmgr.evalgo.org/ingestlog"
)

const ingestTable = "ingeststatus"

// maxInListDefault bounds how many values a single IN(...) clause carries;
// overridden by Config.ChunkSize. Grounded on §4.1's chunking requirement.
const maxInListDefault = 500

// Store is the IngestRecordStore (C1): a transactional wrapper around a
// pgxpool.Pool, modeled directly on db/postgres_pgx.go's PostgresDB (same
// wrap-pool-expose-helpers shape, generalized to the ingest table's
// insert-then-update upsert protocol and chunked IN(...) queries).
type Store struct {
	pool      *pgxpool.Pool
	log       *ingestlog.Logger
	chunkSize int
	backoffMin time.Duration
	backoffMax time.Duration
}

// NewStore opens a pgxpool against dsn and verifies connectivity.
func NewStore(ctx context.Context, cfg Config, log *ingestlog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, NewError(KindPermanent, "store.parseconfig", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, NewError(KindPermanent, "store.connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewError(KindPermanent, "store.ping", err)
	}

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = maxInListDefault
	}
	backoffMin := cfg.DeadlockBackoffMin
	if backoffMin <= 0 {
		backoffMin = 10 * time.Millisecond
	}
	backoffMax := cfg.DeadlockBackoffMax
	if backoffMax <= 0 {
		backoffMax = 2 * time.Second
	}

	return &Store{pool: pool, log: log, chunkSize: chunk, backoffMin: backoffMin, backoffMax: backoffMax}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// Pool exposes the underlying pgxpool for callers that need to share a
// transaction across store operations. Nothing in this module calls it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// retryTransient runs fn, retrying with jittered exponential backoff while
// fn returns a TransientDB-kind error (§4.1 step 6). Each wait is drawn
// uniformly from [step, 3*step] and capped at backoffMax; step starts at
// backoffMin and triples after every retry, also capped at backoffMax.
func (s *Store) retryTransient(ctx context.Context, op string, fn func() error) error {
	sleep := s.backoffMin
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsKind(err, KindTransientDB) {
			return err
		}
		jitter := time.Duration(rand.Int63n(int64(sleep)*2 + 1))
		wait := sleep + jitter
		if wait > s.backoffMax {
			wait = s.backoffMax
		}
		s.log.With("op", op).With("backoff_ms", wait.Milliseconds()).Warn("retrying after transient db error")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		sleep = sleep * 3
		if sleep > s.backoffMax {
			sleep = s.backoffMax
		}
	}
}

// lookupByKeyTx reads a row under SELECT ... FOR UPDATE inside tx. Returns
// (nil, nil) when no row exists.
func (s *Store) lookupByKeyTx(ctx context.Context, tx pgx.Tx, output, docKey string) (*IngestRecord, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, output_connection, doc_key, doc_uri, uri_hash, last_version,
		       last_output_version, last_transformation_version, forced_params,
		       change_count, first_ingest, last_ingest, authority_name
		FROM %s WHERE doc_key = $1 AND output_connection = $2 FOR UPDATE`, ingestTable),
		docKey, output)

	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classifyPG("store.lookup", err)
	}
	return r, nil
}

// LookupByKey reads a row in its own transaction.
func (s *Store) LookupByKey(ctx context.Context, output, docKey string) (*IngestRecord, error) {
	var rec *IngestRecord
	err := s.retryTransient(ctx, "lookup_by_key", func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classifyPG("store.begin", err)
		}
		defer tx.Rollback(ctx)

		rec, err = s.lookupByKeyTx(ctx, tx, output, docKey)
		if err != nil {
			return err
		}
		return classifyPG("store.commit", tx.Commit(ctx))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	return rec, err
}

func scanRecord(row pgx.Row) (*IngestRecord, error) {
	var r IngestRecord
	var docURI, uriHash, lastVersion sql.NullString
	err := row.Scan(&r.ID, &r.OutputConnection, &r.DocKey, &docURI, &uriHash,
		&lastVersion, &r.LastOutputVersion, &r.LastTransformationVersion,
		&r.ForcedParams, &r.ChangeCount, &r.FirstIngest, &r.LastIngest, &r.AuthorityName)
	if err != nil {
		return nil, err
	}
	r.DocURI = docURI.String
	r.URIHash = uriHash.String
	r.LastVersion = lastVersion.String
	return &r, nil
}

// chunks splits ids into groups no larger than s.chunkSize.
func chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = maxInListDefault
	}
	var out [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

// FindRowIDsByDocKeys returns row ids for (output, docKey) pairs, chunked.
func (s *Store) FindRowIDsByDocKeys(ctx context.Context, outputs, docKeys []string) ([]int64, error) {
	if len(outputs) != len(docKeys) {
		return nil, NewError(KindInvariant, "store.findbydockeys", fmt.Errorf("outputs and docKeys length mismatch"))
	}
	type pair struct{ output, key string }
	pairs := make([]pair, len(outputs))
	for i := range outputs {
		pairs[i] = pair{outputs[i], docKeys[i]}
	}

	var ids []int64
	for _, group := range chunks(pairs, s.chunkSize) {
		err := s.retryTransient(ctx, "find_row_ids_by_doc_keys", func() error {
			var sb strings.Builder
			args := make([]interface{}, 0, len(group)*2)
			sb.WriteString(fmt.Sprintf("SELECT id FROM %s WHERE ", ingestTable))
			for i, p := range group {
				if i > 0 {
					sb.WriteString(" OR ")
				}
				sb.WriteString(fmt.Sprintf("(doc_key = $%d AND output_connection = $%d)", i*2+1, i*2+2))
				args = append(args, p.key, p.output)
			}
			rows, err := s.pool.Query(ctx, sb.String(), args...)
			if err != nil {
				return classifyPG("store.findbydockeys", err)
			}
			defer rows.Close()
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					return classifyPG("store.findbydockeys.scan", err)
				}
				ids = append(ids, id)
			}
			return classifyPG("store.findbydockeys.rows", rows.Err())
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// FindRowIDsByURIHashes finds rows whose uri_hash matches and whose doc_uri
// equals the corresponding full URI — the hash narrows the index scan, the
// equality check defeats hash collisions (§4.1).
func (s *Store) FindRowIDsByURIHashes(ctx context.Context, output string, uris []string) ([]int64, error) {
	type pair struct{ hash, uri string }
	pairs := make([]pair, len(uris))
	for i, u := range uris {
		pairs[i] = pair{hashURI(u), u}
	}

	var ids []int64
	for _, group := range chunks(pairs, s.chunkSize) {
		err := s.retryTransient(ctx, "find_row_ids_by_uri_hashes", func() error {
			var sb strings.Builder
			args := make([]interface{}, 0, len(group)*2+1)
			args = append(args, output)
			sb.WriteString(fmt.Sprintf("SELECT id FROM %s WHERE output_connection = $1 AND (", ingestTable))
			for i, p := range group {
				if i > 0 {
					sb.WriteString(" OR ")
				}
				sb.WriteString(fmt.Sprintf("(uri_hash = $%d AND doc_uri = $%d)", i*2+2, i*2+3))
				args = append(args, p.hash, p.uri)
			}
			sb.WriteString(")")
			rows, err := s.pool.Query(ctx, sb.String(), args...)
			if err != nil {
				return classifyPG("store.findbyurihash", err)
			}
			defer rows.Close()
			for rows.Next() {
				var id int64
				if err := rows.Scan(&id); err != nil {
					return classifyPG("store.findbyurihash.scan", err)
				}
				ids = append(ids, id)
			}
			return classifyPG("store.findbyurihash.rows", rows.Err())
		})
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// DeleteByIDs deletes rows by id, chunked.
func (s *Store) DeleteByIDs(ctx context.Context, ids []int64) error {
	for _, group := range chunks(ids, s.chunkSize) {
		err := s.retryTransient(ctx, "delete_by_ids", func() error {
			_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", ingestTable), group)
			return classifyPG("store.deletebyids", err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// UpsertFields carries the columns an upsert writes.
type UpsertFields struct {
	DocURI                     string
	LastVersion                string
	LastOutputVersion          string
	LastTransformationVersion  string
	ForcedParams               string
	AuthorityName              string
}

// UpsertRecord implements the insert-then-update protocol of §4.1: look up
// under FOR UPDATE, UPDATE if found, otherwise INSERT; retry on
// TransientDB, restart the whole loop on UniqueViolation.
func (s *Store) UpsertRecord(ctx context.Context, output, docKey string, fields UpsertFields, ingestTime int64) error {
	err := s.upsertOnce(ctx, output, docKey, fields, ingestTime)
	for IsKind(err, KindUniqueViolation) {
		err = s.upsertOnce(ctx, output, docKey, fields, ingestTime)
	}
	return err
}

func (s *Store) upsertOnce(ctx context.Context, output, docKey string, fields UpsertFields, ingestTime int64) error {
	return s.retryTransient(ctx, "upsert_record", func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classifyPG("store.upsert.begin", err)
		}
		defer tx.Rollback(ctx)

		existing, err := s.lookupByKeyTx(ctx, tx, output, docKey)
		if err != nil {
			return err
		}

		uriHash := hashURI(fields.DocURI)

		if existing != nil {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s SET doc_uri = $1, uri_hash = $2, last_version = $3,
				       last_output_version = $4, last_transformation_version = $5,
				       forced_params = $6, authority_name = $7,
				       change_count = change_count + 1, last_ingest = $8
				WHERE id = $9`, ingestTable),
				nullIfEmpty(fields.DocURI), nullIfEmpty(uriHash), nullIfEmpty(fields.LastVersion),
				fields.LastOutputVersion, fields.LastTransformationVersion,
				fields.ForcedParams, fields.AuthorityName, ingestTime, existing.ID)
			if err != nil {
				return classifyPG("store.upsert.update", err)
			}
			return classifyPG("store.upsert.commit", tx.Commit(ctx))
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (output_connection, doc_key, doc_uri, uri_hash, last_version,
			                 last_output_version, last_transformation_version, forced_params,
			                 authority_name, change_count, first_ingest, last_ingest)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,1,$10,$10)`, ingestTable),
			output, docKey, nullIfEmpty(fields.DocURI), nullIfEmpty(uriHash), nullIfEmpty(fields.LastVersion),
			fields.LastOutputVersion, fields.LastTransformationVersion,
			fields.ForcedParams, fields.AuthorityName, ingestTime)
		if err != nil {
			return classifyPG("store.upsert.insert", err)
		}
		return classifyPG("store.upsert.commit", tx.Commit(ctx))
	})
}

// WritePlaceholder records a pending doc_uri before the connector call
// completes, without advancing change_count — the crash-recovery marker of
// §4.4 ("delivered, version unknown" on a crash mid-send), not a completed
// ingest. Exactly one change_count increment happens per document_ingest,
// in the later UpsertRecord call that commits the full fingerprint.
func (s *Store) WritePlaceholder(ctx context.Context, output, docKey, docURI string, ingestTime int64) error {
	return s.retryTransient(ctx, "write_placeholder", func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return classifyPG("store.placeholder.begin", err)
		}
		defer tx.Rollback(ctx)

		existing, err := s.lookupByKeyTx(ctx, tx, output, docKey)
		if err != nil {
			return err
		}

		uriHash := hashURI(docURI)

		if existing != nil {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				UPDATE %s SET doc_uri = $1, uri_hash = $2, last_version = NULL, last_ingest = $3
				WHERE id = $4`, ingestTable),
				nullIfEmpty(docURI), nullIfEmpty(uriHash), ingestTime, existing.ID)
			if err != nil {
				return classifyPG("store.placeholder.update", err)
			}
			return classifyPG("store.placeholder.commit", tx.Commit(ctx))
		}

		_, err = tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (output_connection, doc_key, doc_uri, uri_hash, last_version,
			                 last_output_version, last_transformation_version, forced_params,
			                 authority_name, change_count, first_ingest, last_ingest)
			VALUES ($1,$2,$3,$4,NULL,'','','','',0,$5,$5)`, ingestTable),
			output, docKey, nullIfEmpty(docURI), nullIfEmpty(uriHash), ingestTime)
		if err != nil {
			return classifyPG("store.placeholder.insert", err)
		}
		return classifyPG("store.placeholder.commit", tx.Commit(ctx))
	})
}

// UpdateLastIngest bulk-updates last_ingest for the given row ids.
func (s *Store) UpdateLastIngest(ctx context.Context, ids []int64, checkTime int64) error {
	for _, group := range chunks(ids, s.chunkSize) {
		err := s.retryTransient(ctx, "update_last_ingest", func() error {
			_, err := s.pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET last_ingest = $1 WHERE id = ANY($2)", ingestTable), checkTime, group)
			return classifyPG("store.updatelastingest", err)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// ResetVersions blanks last_version for every row of output (§6,
// reset_output_connection).
func (s *Store) ResetVersions(ctx context.Context, output string) error {
	return s.retryTransient(ctx, "reset_versions", func() error {
		_, err := s.pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET last_version = NULL WHERE output_connection = $1", ingestTable), output)
		return classifyPG("store.resetversions", err)
	})
}

// DeleteByOutput removes every row for output unconditionally
// (remove_output_connection).
func (s *Store) DeleteByOutput(ctx context.Context, output string) error {
	return s.retryTransient(ctx, "delete_by_output", func() error {
		_, err := s.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE output_connection = $1", ingestTable), output)
		return classifyPG("store.deletebyoutput", err)
	})
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
