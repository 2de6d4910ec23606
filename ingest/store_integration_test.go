//go:build integration

package ingest

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// newIntegrationStore opens a real Postgres-backed Store against
// INGEST_TEST_DSN, migrates it, and truncates the table before the test
// runs. Skips the test when the env var is unset, mirroring the teacher's
// DSN/env-gated integration test convention (see db/*_integration_test.go)
// rather than a testcontainers dependency this module doesn't otherwise
// need.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("INGEST_TEST_DSN")
	if dsn == "" {
		t.Skip("INGEST_TEST_DSN not set; skipping Postgres-backed integration test")
	}

	ctx := context.Background()
	store, err := NewStore(ctx, Config{DSN: dsn, MaxOpenConns: 10, MaxIdleConns: 2, ChunkSize: 500}, ingestTestLogger())
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))

	_, err = store.pool.Exec(ctx, "TRUNCATE TABLE "+ingestTable)
	require.NoError(t, err)

	t.Cleanup(store.Close)
	return store
}

func newIntegrationCoordinator(t *testing.T, store *Store, outputs map[string]OutputConnector) *IngestCoordinator {
	t.Helper()
	locks := NewMutexLockRegistry()
	executor := NewPipelineExecutor(store, locks, ingestTestLogger())
	return NewIngestCoordinator(CoordinatorDeps{
		Store:      store,
		Locks:      locks,
		Executor:   executor,
		Outputs:    newFakeConnectorPool(outputs),
		Transforms: newFakeConnectorPool(map[string]TransformationConnector{}),
		Log:        ingestTestLogger(),
		Tracker:    NewOperationTracker(100),
	})
}

func webOnlySpec() *PipelineSpecification {
	stages := []Stage{{Parent: -1, IsOutput: true, Connection: "web"}}
	return NewBasicSpecification(stages).WithStageDescriptions([]string{"webv1"})
}

func webOnlySpecWithVersions(status DocumentIngestStatus) *PipelineSpecification {
	return webOnlySpec().WithOutputVersions([]OutputVersionInfo{{Status: status}})
}

// Scenario 1: first-time ingest.
func TestIntegration_Scenario1_FirstTimeIngest(t *testing.T) {
	store := newIntegrationStore(t)
	web := &fakeOutputConnector{addResult: Accepted}
	coord := newIntegrationCoordinator(t, store, map[string]OutputConnector{"web": web})
	ctx := context.Background()

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	accepted, err := coord.DocumentIngest(ctx, webOnlySpecWithVersions(DocumentIngestStatus{}),
		"web", "h1", "v1", "p1", "auth", doc, 1000, &fakeActivityLog{})
	require.NoError(t, err)
	require.True(t, accepted)

	rec, err := store.LookupByKey(ctx, "web", "web:h1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, int64(1), rec.ChangeCount)
	require.Equal(t, int64(1000), rec.FirstIngest)
	require.Equal(t, int64(1000), rec.LastIngest)
	require.Equal(t, "http://a", rec.DocURI)
	require.Equal(t, "v1", rec.LastVersion)
}

// Scenario 2: repeated check.
func TestIntegration_Scenario2_RepeatedCheck(t *testing.T) {
	store := newIntegrationStore(t)
	web := &fakeOutputConnector{addResult: Accepted}
	coord := newIntegrationCoordinator(t, store, map[string]OutputConnector{"web": web})
	ctx := context.Background()

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	_, err := coord.DocumentIngest(ctx, webOnlySpecWithVersions(DocumentIngestStatus{}),
		"web", "h1", "v1", "p1", "auth", doc, 1000, &fakeActivityLog{})
	require.NoError(t, err)

	ids, err := store.FindRowIDsByDocKeys(ctx, []string{"web"}, []string{"web:h1"})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, store.UpdateLastIngest(ctx, ids, 2000))

	rec, err := store.LookupByKey(ctx, "web", "web:h1")
	require.NoError(t, err)
	require.Equal(t, int64(2000), rec.LastIngest)
	require.Equal(t, int64(1000), rec.FirstIngest)
	require.Equal(t, int64(1), rec.ChangeCount)
}

// Scenario 3: version change.
func TestIntegration_Scenario3_VersionChange(t *testing.T) {
	store := newIntegrationStore(t)
	web := &fakeOutputConnector{addResult: Accepted}
	coord := newIntegrationCoordinator(t, store, map[string]OutputConnector{"web": web})
	ctx := context.Background()

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	_, err := coord.DocumentIngest(ctx, webOnlySpecWithVersions(DocumentIngestStatus{}),
		"web", "h1", "v1", "p1", "auth", doc, 1000, &fakeActivityLog{})
	require.NoError(t, err)

	status := DocumentIngestStatus{LastVersion: "v1", ForcedParams: "p1", AuthorityName: "auth", LastOutputVersion: "webv1"}
	changed, err := coord.CheckFetchDocument(webOnlySpecWithVersions(status), "v2", "p1", "auth")
	require.NoError(t, err)
	require.True(t, changed)

	doc2 := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	_, err = coord.DocumentIngest(ctx, webOnlySpecWithVersions(status),
		"web", "h1", "v2", "p1", "auth", doc2, 1500, &fakeActivityLog{})
	require.NoError(t, err)

	rec, err := store.LookupByKey(ctx, "web", "web:h1")
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.ChangeCount)
	require.Equal(t, "v2", rec.LastVersion)
	require.Equal(t, int64(1500), rec.LastIngest)
}

// Scenario 4: URI replacement.
func TestIntegration_Scenario4_URIReplacement(t *testing.T) {
	store := newIntegrationStore(t)
	web := &fakeOutputConnector{addResult: Accepted}
	coord := newIntegrationCoordinator(t, store, map[string]OutputConnector{"web": web})
	ctx := context.Background()

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	_, err := coord.DocumentIngest(ctx, webOnlySpecWithVersions(DocumentIngestStatus{}),
		"web", "h1", "v1", "p1", "auth", doc, 1000, &fakeActivityLog{})
	require.NoError(t, err)

	status := DocumentIngestStatus{LastVersion: "v1", ForcedParams: "p1", AuthorityName: "auth", LastOutputVersion: "webv1"}
	doc2 := NewRepositoryDocument("text/plain", 3, "http://b", staticReader("xyz"))
	_, err = coord.DocumentIngest(ctx, webOnlySpecWithVersions(status),
		"web", "h1", "v2", "p1", "auth", doc2, 1600, &fakeActivityLog{})
	require.NoError(t, err)

	require.Contains(t, web.removedURIs, "http://a")

	rec, err := store.LookupByKey(ctx, "web", "web:h1")
	require.NoError(t, err)
	require.Equal(t, "http://b", rec.DocURI)

	ids, err := store.FindRowIDsByURIHashes(ctx, "web", []string{"http://a"})
	require.NoError(t, err)
	require.Empty(t, ids)
}

// Scenario 5: delete.
func TestIntegration_Scenario5_Delete(t *testing.T) {
	store := newIntegrationStore(t)
	web := &fakeOutputConnector{addResult: Accepted}
	coord := newIntegrationCoordinator(t, store, map[string]OutputConnector{"web": web})
	ctx := context.Background()

	doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
	_, err := coord.DocumentIngest(ctx, webOnlySpecWithVersions(DocumentIngestStatus{}),
		"web", "h1", "v1", "p1", "auth", doc, 1000, &fakeActivityLog{})
	require.NoError(t, err)

	require.NoError(t, coord.DocumentDelete(ctx, "web", "web:h1", web, &fakeActivityLog{}))
	require.Contains(t, web.removedURIs, "http://a")

	rec, err := store.LookupByKey(ctx, "web", "web:h1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

// P7: reset_output_connection scoping.
func TestIntegration_P7_ResetOutputConnectionScoping(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRecord(ctx, "web", "web:h1", UpsertFields{DocURI: "http://a", LastVersion: "v1"}, 1000))
	require.NoError(t, store.UpsertRecord(ctx, "files", "files:h1", UpsertFields{DocURI: "http://b", LastVersion: "v1"}, 1000))

	require.NoError(t, store.ResetVersions(ctx, "web"))

	webRec, err := store.LookupByKey(ctx, "web", "web:h1")
	require.NoError(t, err)
	require.Equal(t, "", webRec.LastVersion)

	filesRec, err := store.LookupByKey(ctx, "files", "files:h1")
	require.NoError(t, err)
	require.Equal(t, "v1", filesRec.LastVersion)
}

// P1/P5: concurrent document_ingest for the same (output, doc_key) leaves
// exactly one surviving row with a consistent change_count.
func TestIntegration_P5_ConcurrentIngestLeavesOneConsistentRow(t *testing.T) {
	store := newIntegrationStore(t)
	web := &fakeOutputConnector{addResult: Accepted}
	coord := newIntegrationCoordinator(t, store, map[string]OutputConnector{"web": web})
	ctx := context.Background()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			doc := NewRepositoryDocument("text/plain", 3, "http://a", staticReader("abc"))
			_, err := coord.DocumentIngest(ctx, webOnlySpecWithVersions(DocumentIngestStatus{}),
				"web", "h1", "v1", "p1", "auth", doc, int64(1000+i), &fakeActivityLog{})
			errs <- err
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	ids, err := store.FindRowIDsByDocKeys(ctx, []string{"web"}, []string{"web:h1"})
	require.NoError(t, err)
	require.Len(t, ids, 1, "P1: (output, doc_key) uniqueness must hold under concurrent ingest")

	rec, err := store.LookupByKey(ctx, "web", "web:h1")
	require.NoError(t, err)
	require.GreaterOrEqual(t, rec.ChangeCount, int64(1))
}
