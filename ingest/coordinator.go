package ingest

import (
	"context"
	"fmt"

	"ingestmgr.evalgo.org/ingestlog"
)

// CoordinatorDeps wires C1-C6 plus the two connector pools into a single
// façade. Every pool is generic over its handle type (§6's grab_multiple /
// release_multiple collaborator contract).
type CoordinatorDeps struct {
	Store        IngestRecordStore
	Activities   *ActivityStore
	Locks        URILockRegistry
	Executor     *PipelineExecutor
	Outputs      ConnectorPool[OutputConnector]
	Transforms   ConnectorPool[TransformationConnector]
	Log          *ingestlog.Logger
	Tracker      *OperationTracker
}

// IngestCoordinator (C7) is the library surface every crawler worker thread
// calls into. It owns no mutable state of its own beyond its dependencies;
// all authoritative state lives in C1, the downstream indexes, and C6.
type IngestCoordinator struct {
	deps CoordinatorDeps
}

// NewIngestCoordinator wires deps into a coordinator.
func NewIngestCoordinator(deps CoordinatorDeps) *IngestCoordinator {
	if deps.Tracker == nil {
		deps.Tracker = NewOperationTracker(1000)
	}
	return &IngestCoordinator{deps: deps}
}

func outputNames(topo *PipelineTopology) []string {
	names := make([]string, topo.OutputStageCount())
	for i := 0; i < topo.OutputStageCount(); i++ {
		names[i] = topo.ConnectionName(topo.OutputStageAt(i))
	}
	return names
}

func transformationNames(topo *PipelineTopology) []string {
	var names []string
	for s := 0; s < topo.StageCount(); s++ {
		if !topo.IsOutput(s) {
			names = append(names, topo.ConnectionName(s))
		}
	}
	return names
}

// grabOutputs fetches one handle per output stage from the output pool.
func (c *IngestCoordinator) grabOutputs(ctx context.Context, topo *PipelineTopology) (OutputHandles, func(), error) {
	names := outputNames(topo)
	configs := make([]string, len(names))
	handles, err := c.deps.Outputs.GrabMultiple(ctx, names, configs)
	if err != nil {
		return nil, nil, err
	}
	out := make(OutputHandles, topo.OutputStageCount())
	for i := 0; i < topo.OutputStageCount(); i++ {
		stage := topo.OutputStageAt(i)
		if handles[i] == nil {
			return nil, nil, NewError(KindConnectorAbsent, "coordinator.grab", fmt.Errorf("no connector installed for output %q", names[i]))
		}
		out[stage] = handles[i]
	}
	release := func() {
		if err := c.deps.Outputs.ReleaseMultiple(context.Background(), names, handles); err != nil {
			c.deps.Log.WithError(err).Warn("failed releasing output connector handles")
		}
	}
	return out, release, nil
}

// grabTransformations fetches one handle per transformation stage.
func (c *IngestCoordinator) grabTransformations(ctx context.Context, topo *PipelineTopology) (TransformationHandles, func(), error) {
	names := transformationNames(topo)
	if len(names) == 0 {
		return TransformationHandles{}, func() {}, nil
	}
	configs := make([]string, len(names))
	handles, err := c.deps.Transforms.GrabMultiple(ctx, names, configs)
	if err != nil {
		return nil, nil, err
	}
	out := make(TransformationHandles, len(names))
	idx := 0
	for s := 0; s < topo.StageCount(); s++ {
		if topo.IsOutput(s) {
			continue
		}
		if handles[idx] == nil {
			return nil, nil, NewError(KindConnectorAbsent, "coordinator.grab", fmt.Errorf("no connector installed for transformation %q", names[idx]))
		}
		out[s] = handles[idx]
		idx++
	}
	release := func() {
		if err := c.deps.Transforms.ReleaseMultiple(context.Background(), names, handles); err != nil {
			c.deps.Log.WithError(err).Warn("failed releasing transformation connector handles")
		}
	}
	return out, release, nil
}

func (c *IngestCoordinator) runCheck(ctx context.Context, spec *PipelineSpecification, probe CheckProbe, value interface{}) (result bool, err error) {
	err = c.deps.Tracker.Track("check", "", func() error {
		topo, terr := NewTopology(spec)
		if terr != nil {
			return terr
		}
		outputs, release, terr := c.grabOutputs(ctx, topo)
		if terr != nil {
			return terr
		}
		defer release()

		tree, terr := BuildCheckPipeline(topo, outputs)
		if terr != nil {
			return terr
		}
		result, terr = c.deps.Executor.RunCheck(tree, probe, value)
		return terr
	})
	return result, err
}

// CheckMime implements check_mime.
func (c *IngestCoordinator) CheckMime(ctx context.Context, spec *PipelineSpecification, mime string) (bool, error) {
	return c.runCheck(ctx, spec, ProbeMime, mime)
}

// CheckFile implements check_file.
func (c *IngestCoordinator) CheckFile(ctx context.Context, spec *PipelineSpecification, path string) (bool, error) {
	return c.runCheck(ctx, spec, ProbeFile, path)
}

// CheckLength implements check_length.
func (c *IngestCoordinator) CheckLength(ctx context.Context, spec *PipelineSpecification, length int64) (bool, error) {
	return c.runCheck(ctx, spec, ProbeLength, length)
}

// CheckURL implements check_url.
func (c *IngestCoordinator) CheckURL(ctx context.Context, spec *PipelineSpecification, uri string) (bool, error) {
	return c.runCheck(ctx, spec, ProbeURL, uri)
}

// GetOutputDescription implements get_output_description: one connector
// call under grab/release.
func (c *IngestCoordinator) GetOutputDescription(ctx context.Context, outputName string, spec *PipelineSpecification) (VersionContext, error) {
	handle, err := c.deps.Outputs.Grab(ctx, outputName, "")
	if err != nil {
		return "", err
	}
	defer c.deps.Outputs.Release(context.Background(), outputName, handle)
	if handle == nil {
		return "", NewError(KindConnectorAbsent, "coordinator.getoutputdescription", fmt.Errorf("no connector installed for %q", outputName))
	}
	return handle.GetPipelineDescription(spec)
}

// GetTransformationDescription implements get_transformation_description.
func (c *IngestCoordinator) GetTransformationDescription(ctx context.Context, tfmName string) (VersionContext, error) {
	handle, err := c.deps.Transforms.Grab(ctx, tfmName, "")
	if err != nil {
		return "", err
	}
	defer c.deps.Transforms.Release(context.Background(), tfmName, handle)
	if handle == nil {
		return "", NewError(KindConnectorAbsent, "coordinator.gettransformationdescription", fmt.Errorf("no connector installed for %q", tfmName))
	}
	return handle.GetDescription()
}

// CheckFetchDocument implements check_fetch_document, delegated entirely to
// ChangeDecider: true if any output needs a reindex.
func (c *IngestCoordinator) CheckFetchDocument(specWithVersions *PipelineSpecification, newDocVersion, newParamVersion, newAuthority string) (bool, error) {
	topo, err := NewTopology(specWithVersions)
	if err != nil {
		return false, err
	}
	flags := NewChangeDecider().NeedsReindex(topo, newDocVersion, newParamVersion, newAuthority)
	for _, f := range flags {
		if f {
			return true, nil
		}
	}
	return false, nil
}

// DocumentRecord implements document_record: for each output, look up the
// old URI, remove it from the connector and any stranded mirror rows, then
// upsert a doc_uri=null placeholder row — "seen, nothing delivered".
func (c *IngestCoordinator) DocumentRecord(ctx context.Context, spec *PipelineSpecification, idClass, idHash, docVersion string, recordTime int64, activities ActivityLog) error {
	key := OutputKey{IdentifierClass: idClass, IdentifierHash: idHash}
	return c.deps.Tracker.Track("document_record", key.DocKey(), func() error {
		topo, err := NewTopology(spec)
		if err != nil {
			return err
		}
		outputs, release, err := c.grabOutputs(ctx, topo)
		if err != nil {
			return err
		}
		defer release()

		docKey := key.DocKey()
		for i := 0; i < topo.OutputStageCount(); i++ {
			stage := topo.OutputStageAt(i)
			output := topo.ConnectionName(stage)

			existing, err := c.deps.Store.LookupByKey(ctx, output, docKey)
			if err != nil {
				return err
			}
			if existing.HasURI() {
				names := sortedUnique([]string{output + ":" + existing.DocURI})
				if err := c.deps.Locks.Acquire(ctx, names); err != nil {
					return NewError(KindServiceInterruption, "coordinator.documentrecord.lock", err)
				}
				func() {
					defer c.deps.Locks.Release(context.Background(), names)
					qualified := NewQualifiedActivitySink(output, activities)
					if rerr := outputs[stage].Remove(ctx, existing.DocURI, existing.LastOutputVersion, qualified); rerr != nil {
						err = rerr
						return
					}
					ids, ferr := c.deps.Store.FindRowIDsByURIHashes(ctx, output, []string{existing.DocURI})
					if ferr != nil {
						err = ferr
						return
					}
					ids = excludeID(ids, existing.ID)
					if len(ids) > 0 {
						err = c.deps.Store.DeleteByIDs(ctx, ids)
					}
				}()
				if err != nil {
					return err
				}
			}

			if err := c.deps.Store.UpsertRecord(ctx, output, docKey, UpsertFields{
				DocURI:      "",
				LastVersion: docVersion,
			}, recordTime); err != nil {
				return err
			}
		}
		return nil
	})
}

// DocumentIngest implements document_ingest: builds an add pipeline sized
// to specWithVersions and runs the document through it, then commits full
// fingerprints for every output the pipeline accepted.
func (c *IngestCoordinator) DocumentIngest(
	ctx context.Context,
	specWithVersions *PipelineSpecification,
	idClass, idHash, docVersion, paramVersion, authority string,
	document *RepositoryDocument,
	ingestTime int64,
	activities ActivityLog,
) (accepted bool, err error) {
	key := OutputKey{IdentifierClass: idClass, IdentifierHash: idHash}
	docKey := key.DocKey()
	err = c.deps.Tracker.Track("document_ingest", docKey, func() error {
		topo, terr := NewTopology(specWithVersions)
		if terr != nil {
			return terr
		}
		outputs, releaseOutputs, terr := c.grabOutputs(ctx, topo)
		if terr != nil {
			return terr
		}
		defer releaseOutputs()

		transforms, releaseTransforms, terr := c.grabTransformations(ctx, topo)
		if terr != nil {
			return terr
		}
		defer releaseTransforms()

		needsReindex := NewChangeDecider().NeedsReindex(topo, docVersion, paramVersion, authority)

		tree, terr := BuildAddPipeline(c.deps.Executor, topo, docKey, outputs, transforms, needsReindex, activities, ingestTime)
		if terr != nil {
			return terr
		}

		result, terr := c.deps.Executor.SendDocument(ctx, tree, document, authority)
		if terr != nil {
			return terr
		}
		accepted = result == Accepted
		if !accepted {
			return nil
		}

		for i := 0; i < topo.OutputStageCount(); i++ {
			if !needsReindex[i] {
				continue
			}
			stage := topo.OutputStageAt(i)
			output := topo.ConnectionName(stage)
			terr := c.deps.Executor.CompleteAdd(ctx, output, docKey, UpsertFields{
				DocURI:                    document.URI,
				LastVersion:               docVersion,
				LastOutputVersion:         specWithVersions.Description(stage),
				LastTransformationVersion: PackTransformations(topo, stage),
				ForcedParams:              paramVersion,
				AuthorityName:             authority,
			}, ingestTime)
			if terr != nil {
				return terr
			}
		}
		return nil
	})
	return accepted, err
}

// DocumentCheckMultiple implements document_check_multiple: chunked lookup
// of row ids for every (idClass, idHash) pair then a single bulk
// update_last_ingest.
func (c *IngestCoordinator) DocumentCheckMultiple(ctx context.Context, outputs, idClasses, idHashes []string, checkTime int64) error {
	docKeys := make([]string, len(idClasses))
	for i := range idClasses {
		docKeys[i] = OutputKey{IdentifierClass: idClasses[i], IdentifierHash: idHashes[i]}.DocKey()
	}
	ids, err := c.deps.Store.FindRowIDsByDocKeys(ctx, outputs, docKeys)
	if err != nil {
		return err
	}
	return c.deps.Store.UpdateLastIngest(ctx, ids, checkTime)
}

// DocumentDeleteSpec names one document to delete in a batch.
type DocumentDeleteSpec struct {
	Output string
	DocKey string
}

// DocumentDelete implements document_delete for a single (output, doc_key).
func (c *IngestCoordinator) DocumentDelete(ctx context.Context, output, docKey string, connector OutputConnector, activities ActivityLog) error {
	return c.deps.Tracker.Track("document_delete", docKey, func() error {
		return c.deps.Executor.DeleteDocument(ctx, output, docKey, connector, activities)
	})
}

// DocumentDeleteMultiple implements document_delete_multiple: groups specs
// by output (spec-identity) and dispatches per group, since each group
// shares one connector handle.
func (c *IngestCoordinator) DocumentDeleteMultiple(ctx context.Context, specs []DocumentDeleteSpec, activities ActivityLog) error {
	return c.deps.Tracker.Track("document_delete_multiple", "", func() error {
		return c.documentDeleteMultiple(ctx, specs, activities)
	})
}

func (c *IngestCoordinator) documentDeleteMultiple(ctx context.Context, specs []DocumentDeleteSpec, activities ActivityLog) error {
	byOutput := make(map[string][]string)
	for _, s := range specs {
		byOutput[s.Output] = append(byOutput[s.Output], s.DocKey)
	}
	for output, docKeys := range byOutput {
		handle, err := c.deps.Outputs.Grab(ctx, output, "")
		if err != nil {
			return err
		}
		if handle == nil {
			c.deps.Outputs.Release(ctx, output, handle)
			return NewError(KindConnectorAbsent, "coordinator.deletemultiple", fmt.Errorf("no connector installed for %q", output))
		}
		for _, docKey := range docKeys {
			if err := c.deps.Executor.DeleteDocument(ctx, output, docKey, handle, activities); err != nil {
				c.deps.Outputs.Release(ctx, output, handle)
				return err
			}
		}
		if err := c.deps.Outputs.Release(ctx, output, handle); err != nil {
			c.deps.Log.WithError(err).Warn("failed releasing output connector handle")
		}
	}
	return nil
}

// GetPipelineDocumentIngestData implements get_pipeline_document_ingest_data:
// fills out with the stored status for every OutputKey that has a row;
// missing keys are simply absent from out.
func (c *IngestCoordinator) GetPipelineDocumentIngestData(ctx context.Context, keys []OutputKey, out map[OutputKey]DocumentIngestStatus) error {
	for _, k := range keys {
		rec, err := c.deps.Store.LookupByKey(ctx, k.OutputConn, k.DocKey())
		if err != nil {
			return err
		}
		if rec != nil {
			out[k] = statusOf(rec)
		}
	}
	return nil
}

// GetDocumentUpdateInterval implements get_document_update_interval: the
// minimum across outputs of (last_ingest-first_ingest)/change_count, 0 when
// the document was never ingested on any output.
func (c *IngestCoordinator) GetDocumentUpdateInterval(ctx context.Context, outputs []string, idClass, idHash string) (int64, error) {
	docKey := OutputKey{IdentifierClass: idClass, IdentifierHash: idHash}.DocKey()
	var min int64 = -1
	for _, output := range outputs {
		rec, err := c.deps.Store.LookupByKey(ctx, output, docKey)
		if err != nil {
			return 0, err
		}
		if rec == nil || rec.ChangeCount == 0 {
			continue
		}
		interval := (rec.LastIngest - rec.FirstIngest) / rec.ChangeCount
		if min == -1 || interval < min {
			min = interval
		}
	}
	if min == -1 {
		return 0, nil
	}
	return min, nil
}

// ResetOutputConnection implements reset_output_connection.
func (c *IngestCoordinator) ResetOutputConnection(ctx context.Context, output string) error {
	return c.deps.Tracker.Track("reset_output_connection", output, func() error {
		return c.deps.Store.ResetVersions(ctx, output)
	})
}

// RemoveOutputConnection implements remove_output_connection: deletes every
// row for output, then notifies the connector under grab/release.
func (c *IngestCoordinator) RemoveOutputConnection(ctx context.Context, output string) error {
	return c.deps.Tracker.Track("remove_output_connection", output, func() error {
		if err := c.deps.Store.DeleteByOutput(ctx, output); err != nil {
			return err
		}
		handle, err := c.deps.Outputs.Grab(ctx, output, "")
		if err != nil {
			return err
		}
		defer c.deps.Outputs.Release(context.Background(), output, handle)
		if handle == nil {
			return NewError(KindConnectorAbsent, "coordinator.removeoutput", fmt.Errorf("no connector installed for %q", output))
		}
		return handle.NoteAllRecordsRemoved(ctx)
	})
}
