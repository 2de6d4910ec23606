package ingest

import "context"

// IngestRecordStore is the narrow interface C4 (PipelineExecutor) and C7
// (IngestCoordinator) depend on instead of a concrete *Store, so both can
// run against an in-memory fake in tests without a live Postgres
// connection. *Store satisfies this interface unchanged.
type IngestRecordStore interface {
	LookupByKey(ctx context.Context, output, docKey string) (*IngestRecord, error)
	FindRowIDsByDocKeys(ctx context.Context, outputs, docKeys []string) ([]int64, error)
	FindRowIDsByURIHashes(ctx context.Context, output string, uris []string) ([]int64, error)
	DeleteByIDs(ctx context.Context, ids []int64) error
	UpsertRecord(ctx context.Context, output, docKey string, fields UpsertFields, ingestTime int64) error
	WritePlaceholder(ctx context.Context, output, docKey, docURI string, ingestTime int64) error
	UpdateLastIngest(ctx context.Context, ids []int64, checkTime int64) error
	ResetVersions(ctx context.Context, output string) error
	DeleteByOutput(ctx context.Context, output string) error
}
