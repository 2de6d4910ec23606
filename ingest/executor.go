package ingest

import (
	"context"

	"ingestmgr.evalgo.org/ingestlog"
)

// PipelineExecutor (C4) runs built CheckPipeline/AddPipeline trees and
// owns the per-output OutputAddEntryPoint procedure (§4.4), which needs
// access to the store and lock registry that individual addLeaf nodes
// don't carry themselves.
type PipelineExecutor struct {
	store IngestRecordStore
	locks URILockRegistry
	log   *ingestlog.Logger
}

// NewPipelineExecutor constructs an executor bound to one store and lock
// registry, shared across every pipeline it runs. store need only satisfy
// IngestRecordStore, which lets tests substitute an in-memory fake for the
// real *Store.
func NewPipelineExecutor(store IngestRecordStore, locks URILockRegistry, log *ingestlog.Logger) *PipelineExecutor {
	return &PipelineExecutor{store: store, locks: locks, log: log}
}

// RunCheck executes one check probe against a built CheckPipeline.
func (e *PipelineExecutor) RunCheck(root CheckNode, probe CheckProbe, value interface{}) (bool, error) {
	return root.Check(probe, value)
}

// SendDocument executes a built AddPipeline against doc.
func (e *PipelineExecutor) SendDocument(ctx context.Context, root OutputAddActivity, doc *RepositoryDocument, authority string) (AddResult, error) {
	return root.AddOrReplace(ctx, doc, authority)
}

// outputAddEntryPoint implements §4.4's seven-step per-output procedure.
// It is invoked by addLeaf.AddOrReplace, once per active output leaf of an
// AddPipeline.
func (e *PipelineExecutor) outputAddEntryPoint(ctx context.Context, leaf *addLeaf, doc *RepositoryDocument, authority string) (AddResult, error) {
	existing, err := e.store.LookupByKey(ctx, leaf.output, leaf.docKey)
	if err != nil {
		return Rejected, err
	}

	names := lockNamesFor(leaf.output, existing, doc.URI)
	if err := e.locks.Acquire(ctx, names); err != nil {
		return Rejected, NewError(KindServiceInterruption, "executor.acquirelocks", err)
	}
	defer func() {
		if err := e.locks.Release(context.Background(), names); err != nil {
			e.log.WithError(err).Warn("failed releasing uri locks")
		}
	}()

	if existing.HasURI() && existing.DocURI != doc.URI {
		if err := e.removeStrandedURI(ctx, leaf, existing); err != nil {
			return Rejected, err
		}
	}

	if doc.URI == "" {
		// Record-only: no deliverable content, so no connector call — just
		// note the document was seen. The coordinator overwrites the
		// remaining fingerprint fields in its own follow-up UpsertRecord
		// once it knows the new document/param versions (document_ingest).
		// WritePlaceholder never advances change_count; that one increment
		// per ingest happens in the coordinator's follow-up UpsertRecord.
		if err := e.store.WritePlaceholder(ctx, leaf.output, leaf.docKey, "", leaf.ingestTime); err != nil {
			return Rejected, err
		}
		return Accepted, nil
	}

	if err := e.claimNewURI(ctx, leaf, existing, doc.URI); err != nil {
		return Rejected, err
	}

	// Pre-ingest placeholder: last_version left blank so a crash mid-send
	// is detected as "delivered, version unknown" on the next pass (§7).
	// Does not advance change_count — see the doc.URI=="" branch above.
	if err := e.store.WritePlaceholder(ctx, leaf.output, leaf.docKey, doc.URI, leaf.ingestTime); err != nil {
		return Rejected, err
	}

	result, err := leaf.connector.AddOrReplace(ctx, doc.URI, doc, authority, leaf.activities)
	if err != nil {
		return Rejected, err
	}
	return result, nil
}

// CompleteAdd finalizes the ingest-status row with full fingerprints after
// a successful connector send. Split from outputAddEntryPoint because the
// full fingerprint set (document/output/transformation versions, forced
// params, authority) is only known to the coordinator, which computed it
// via ChangeDecider before building the pipeline.
func (e *PipelineExecutor) CompleteAdd(ctx context.Context, output, docKey string, fields UpsertFields, ingestTime int64) error {
	return e.store.UpsertRecord(ctx, output, docKey, fields, ingestTime)
}

func (e *PipelineExecutor) removeStrandedURI(ctx context.Context, leaf *addLeaf, existing *IngestRecord) error {
	ids, err := e.store.FindRowIDsByURIHashes(ctx, leaf.output, []string{existing.DocURI})
	if err != nil {
		return err
	}
	ids = excludeID(ids, existing.ID)
	if len(ids) > 0 {
		if err := e.store.DeleteByIDs(ctx, ids); err != nil {
			return err
		}
	}
	return leaf.connector.Remove(ctx, existing.DocURI, existing.LastOutputVersion, leaf.activities)
}

// claimNewURI deletes any *other* row already occupying newURI (§4.4 step
// 5), excluding the document's own row — otherwise a same-URI re-ingest
// would delete itself just before the placeholder write re-creates it,
// losing first_ingest and resetting change_count.
func (e *PipelineExecutor) claimNewURI(ctx context.Context, leaf *addLeaf, existing *IngestRecord, newURI string) error {
	ids, err := e.store.FindRowIDsByURIHashes(ctx, leaf.output, []string{newURI})
	if err != nil {
		return err
	}
	if existing != nil {
		ids = excludeID(ids, existing.ID)
	}
	if len(ids) > 0 {
		return e.store.DeleteByIDs(ctx, ids)
	}
	return nil
}

// DeleteDocument implements §4.4's deletion path for one (output, doc_key):
// find rows by doc key and by URI hash, issue connector removes for any
// extant URI, then delete the union of row ids.
func (e *PipelineExecutor) DeleteDocument(ctx context.Context, output, docKey string, connector OutputConnector, activities ActivityLog) error {
	rec, err := e.store.LookupByKey(ctx, output, docKey)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	ids := []int64{rec.ID}
	if rec.HasURI() {
		names := []string{output + ":" + rec.DocURI}
		if err := e.locks.Acquire(ctx, names); err != nil {
			return NewError(KindServiceInterruption, "executor.deletelocks", err)
		}
		defer e.locks.Release(context.Background(), names)

		uriIDs, err := e.store.FindRowIDsByURIHashes(ctx, output, []string{rec.DocURI})
		if err != nil {
			return err
		}
		ids = append(ids, excludeID(uriIDs, rec.ID)...)

		if err := connector.Remove(ctx, rec.DocURI, rec.LastOutputVersion, activities); err != nil {
			return err
		}
	}
	return e.store.DeleteByIDs(ctx, ids)
}

func lockNamesFor(output string, existing *IngestRecord, newURI string) []string {
	var names []string
	if existing.HasURI() {
		names = append(names, output+":"+existing.DocURI)
	}
	if newURI != "" && (existing == nil || existing.DocURI != newURI) {
		names = append(names, output+":"+newURI)
	}
	return sortedUnique(names)
}

func excludeID(ids []int64, exclude int64) []int64 {
	out := ids[:0:0]
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
