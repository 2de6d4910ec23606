package ingest

import (
	"context"
	"fmt"
)

// CheckProbe names one of the four read-only check operations a
// CheckPipeline runs.
type CheckProbe int

const (
	ProbeMime CheckProbe = iota
	ProbeFile
	ProbeLength
	ProbeURL
)

// CheckNode is a node of a built CheckPipeline: an output leaf or a
// fan-out combiner over CheckNodes. Transformation stages carry no check
// semantics of their own (only output connectors implement the four
// Check*Indexable probes), so CheckPipelines never wrap transformation
// nodes — only leaves and fan-outs.
type CheckNode interface {
	Check(probe CheckProbe, value interface{}) (bool, error)
}

type checkOutputLeaf struct {
	connector OutputConnector
}

func (l *checkOutputLeaf) Check(probe CheckProbe, value interface{}) (bool, error) {
	switch probe {
	case ProbeMime:
		return l.connector.CheckMimeTypeIndexable(value.(string))
	case ProbeFile:
		return l.connector.CheckFileIndexable(value.(string))
	case ProbeLength:
		return l.connector.CheckLengthIndexable(value.(int64))
	case ProbeURL:
		return l.connector.CheckURLIndexable(value.(string))
	default:
		return false, NewError(KindInvariant, "check.probe", fmt.Errorf("unknown probe %d", probe))
	}
}

// checkFanout ORs the probe result across its active children — "indexable
// by at least one output is indexable by the pipeline" (§4.4).
type checkFanout struct {
	children []CheckNode
	active   []bool
}

func (f *checkFanout) Check(probe CheckProbe, value interface{}) (bool, error) {
	any := false
	for i, c := range f.children {
		if !f.active[i] {
			continue
		}
		ok, err := c.Check(probe, value)
		if err != nil {
			return false, err
		}
		if ok {
			any = true
		}
	}
	return any, nil
}

// addLeaf is the per-output terminal node of a built AddPipeline. It
// delegates the actual delete-then-add procedure to the owning
// PipelineExecutor's OutputAddEntryPoint (§4.4) so the leaf itself stays a
// thin, injectable handle — no back-reference to the tree, per §9's
// "collapse cyclic references" design note.
type addLeaf struct {
	executor   *PipelineExecutor
	output     string
	docKey     string
	active     bool
	connector  OutputConnector
	activities ActivityLog
	ingestTime int64
}

func (l *addLeaf) AddOrReplace(ctx context.Context, doc *RepositoryDocument, authority string) (AddResult, error) {
	if !l.active {
		return Rejected, nil
	}
	return l.executor.outputAddEntryPoint(ctx, l, doc, authority)
}

// addFanout duplicates doc to every active child via a fresh
// RepositoryDocument reader and combines verdicts with logical OR. A
// single active child is passed through without duplication.
type addFanout struct {
	children []OutputAddActivity
	active   []bool
}

func (f *addFanout) AddOrReplace(ctx context.Context, doc *RepositoryDocument, authority string) (AddResult, error) {
	activeIdx := make([]int, 0, len(f.children))
	for i, a := range f.active {
		if a {
			activeIdx = append(activeIdx, i)
		}
	}
	if len(activeIdx) == 0 {
		return Rejected, nil
	}
	if len(activeIdx) == 1 {
		return f.children[activeIdx[0]].AddOrReplace(ctx, doc, authority)
	}

	result := Rejected
	for _, i := range activeIdx {
		dup := NewRepositoryDocument(doc.MimeType, doc.Length, doc.URI, doc.NewReader)
		r, err := f.children[i].AddOrReplace(ctx, dup, authority)
		if err != nil {
			return Rejected, err
		}
		if r == Accepted {
			result = Accepted
		}
	}
	return result, nil
}

// transformationEntryPoint wraps a TransformationConnector so it can sit at
// an interior node of an AddPipeline, forwarding its output to next
// (another transformation entry point, or a fan-out of output leaves).
type transformationEntryPoint struct {
	connector  TransformationConnector
	next       OutputAddActivity
	activities ActivityLog
}

func (t *transformationEntryPoint) AddOrReplace(ctx context.Context, doc *RepositoryDocument, authority string) (AddResult, error) {
	return t.connector.AddOrReplace(ctx, doc, authority, t.next, t.activities)
}
