package ingest

import (
	"context"
	"io"
)

// VersionContext is an opaque fingerprint a connector hands back
// summarizing its configuration at a point in time.
type VersionContext string

// AddResult is the verdict an output or transformation connector returns
// for a single document.
type AddResult int

const (
	Rejected AddResult = iota
	Accepted
)

// RepositoryDocument is the stream handed through a pipeline. Each
// NewReader call opens the source again through the factory, so at a
// fan-out point every sibling reads its own independent stream.
type RepositoryDocument struct {
	MimeType string
	Length   int64
	URI      string
	factory  func() (io.ReadCloser, error)
}

// NewRepositoryDocument wraps a reader factory. open is called once per
// NewReader call and must return a fresh stream each time; the bytes are
// not buffered or teed here.
func NewRepositoryDocument(mime string, length int64, uri string, open func() (io.ReadCloser, error)) *RepositoryDocument {
	return &RepositoryDocument{MimeType: mime, Length: length, URI: uri, factory: open}
}

// NewReader returns a fresh, independently readable stream of the document.
func (d *RepositoryDocument) NewReader() (io.ReadCloser, error) {
	return d.factory()
}

// OutputConnector is the interface to a downstream index's connector
// handle.
type OutputConnector interface {
	CheckMimeTypeIndexable(mime string) (bool, error)
	CheckFileIndexable(localPath string) (bool, error)
	CheckLengthIndexable(length int64) (bool, error)
	CheckURLIndexable(uri string) (bool, error)
	AddOrReplace(ctx context.Context, uri string, doc *RepositoryDocument, authority string, activities ActivityLog) (AddResult, error)
	Remove(ctx context.Context, uri string, outputVersion string, activities ActivityLog) error
	NoteAllRecordsRemoved(ctx context.Context) error
	GetPipelineDescription(spec *PipelineSpecification) (VersionContext, error)
}

// TransformationConnector rewrites or enriches a document before handing it
// to the next stage.
type TransformationConnector interface {
	AddOrReplace(ctx context.Context, doc *RepositoryDocument, authority string, next OutputAddActivity, activities ActivityLog) (AddResult, error)
	GetDescription() (VersionContext, error)
}

// OutputAddActivity is the downward pipe a transformation hands its output
// to: either the next transformation, or the output entry point. Each
// implementation carries its own activity sink, fixed at construction.
type OutputAddActivity interface {
	AddOrReplace(ctx context.Context, doc *RepositoryDocument, authority string) (AddResult, error)
}

// ConnectorPool grabs and releases pooled connector handles, generic over
// the handle type (output or transformation connectors).
type ConnectorPool[T any] interface {
	Grab(ctx context.Context, name string, config string) (T, error)
	GrabMultiple(ctx context.Context, names []string, configs []string) ([]T, error)
	Release(ctx context.Context, name string, handle T) error
	ReleaseMultiple(ctx context.Context, names []string, handles []T) error
}

// ActivityLog records a single activity event: start time, kind, byte
// count, entity URI, result code, description.
type ActivityLog interface {
	RecordActivity(ctx context.Context, start int64, kind string, bytes int64, entityURI string, code string, description string) error
}
