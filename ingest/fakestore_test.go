package ingest

import (
	"context"
	"sync"
)

// fakeIngestStore is an in-memory IngestRecordStore test double: map-backed,
// mutex-guarded so it is safe under the concurrent-ingest stress test (P5),
// replicating *Store's insert-then-update upsert semantics (UpsertRecord
// increments change_count; WritePlaceholder never does) without a Postgres
// connection.
type fakeIngestStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*IngestRecord
}

func newFakeIngestStore() *fakeIngestStore {
	return &fakeIngestStore{rows: make(map[int64]*IngestRecord)}
}

func (s *fakeIngestStore) findLocked(output, docKey string) *IngestRecord {
	for _, r := range s.rows {
		if r.OutputConnection == output && r.DocKey == docKey {
			return r
		}
	}
	return nil
}

func (s *fakeIngestStore) LookupByKey(ctx context.Context, output, docKey string) (*IngestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.findLocked(output, docKey)
	if r == nil {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeIngestStore) FindRowIDsByDocKeys(ctx context.Context, outputs, docKeys []string) ([]int64, error) {
	if len(outputs) != len(docKeys) {
		return nil, NewError(KindInvariant, "fakestore.findbydockeys", errMismatch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for i := range outputs {
		if r := s.findLocked(outputs[i], docKeys[i]); r != nil {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (s *fakeIngestStore) FindRowIDsByURIHashes(ctx context.Context, output string, uris []string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(uris))
	for _, u := range uris {
		want[u] = true
	}
	var ids []int64
	for _, r := range s.rows {
		if r.OutputConnection == output && r.DocURI != "" && want[r.DocURI] {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (s *fakeIngestStore) DeleteByIDs(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

func (s *fakeIngestStore) UpsertRecord(ctx context.Context, output, docKey string, fields UpsertFields, ingestTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findLocked(output, docKey); r != nil {
		r.DocURI = fields.DocURI
		r.URIHash = hashURI(fields.DocURI)
		r.LastVersion = fields.LastVersion
		r.LastOutputVersion = fields.LastOutputVersion
		r.LastTransformationVersion = fields.LastTransformationVersion
		r.ForcedParams = fields.ForcedParams
		r.AuthorityName = fields.AuthorityName
		r.ChangeCount++
		r.LastIngest = ingestTime
		return nil
	}
	s.nextID++
	s.rows[s.nextID] = &IngestRecord{
		ID:                        s.nextID,
		OutputConnection:          output,
		DocKey:                    docKey,
		DocURI:                    fields.DocURI,
		URIHash:                   hashURI(fields.DocURI),
		LastVersion:               fields.LastVersion,
		LastOutputVersion:         fields.LastOutputVersion,
		LastTransformationVersion: fields.LastTransformationVersion,
		ForcedParams:              fields.ForcedParams,
		AuthorityName:             fields.AuthorityName,
		ChangeCount:               1,
		FirstIngest:               ingestTime,
		LastIngest:                ingestTime,
	}
	return nil
}

func (s *fakeIngestStore) WritePlaceholder(ctx context.Context, output, docKey, docURI string, ingestTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findLocked(output, docKey); r != nil {
		r.DocURI = docURI
		r.URIHash = hashURI(docURI)
		r.LastVersion = ""
		r.LastIngest = ingestTime
		return nil
	}
	s.nextID++
	s.rows[s.nextID] = &IngestRecord{
		ID:               s.nextID,
		OutputConnection: output,
		DocKey:           docKey,
		DocURI:           docURI,
		URIHash:          hashURI(docURI),
		ChangeCount:      0,
		FirstIngest:      ingestTime,
		LastIngest:       ingestTime,
	}
	return nil
}

func (s *fakeIngestStore) UpdateLastIngest(ctx context.Context, ids []int64, checkTime int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for id, r := range s.rows {
		if want[id] {
			r.LastIngest = checkTime
		}
	}
	return nil
}

func (s *fakeIngestStore) ResetVersions(ctx context.Context, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.OutputConnection == output {
			r.LastVersion = ""
		}
	}
	return nil
}

func (s *fakeIngestStore) DeleteByOutput(ctx context.Context, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.OutputConnection == output {
			delete(s.rows, id)
		}
	}
	return nil
}

var errMismatch = fakeStoreErr("outputs and docKeys length mismatch")

type fakeStoreErr string

func (e fakeStoreErr) Error() string { return string(e) }
