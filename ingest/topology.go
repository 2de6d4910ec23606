package ingest

import "fmt"

// SpecVariant names which optional data a PipelineSpecification carries,
// the Go realization of §9's "sum type with explicit accessor functions"
// design note collapsing the original Basic/WithDescriptions/WithVersions
// subtype hierarchy.
type SpecVariant int

const (
	Basic SpecVariant = iota
	WithDescriptions
	WithVersions
)

// Stage is one node of a declarative pipeline specification: a parent
// pointer (-1 for root-attached stages), a connection name, a kind flag,
// and (depending on variant) a description / stored version info.
type Stage struct {
	Parent     int
	IsOutput   bool
	Connection string
}

// OutputVersionInfo is the previously-stored fingerprint set for one output
// stage, present only on a WithVersions specification.
type OutputVersionInfo struct {
	Status DocumentIngestStatus
}

// PipelineSpecification is the immutable value C2 reads. Descriptions and
// Versions are nil unless Variant requires them; accessor methods raise an
// Invariant error if called against a lower variant.
type PipelineSpecification struct {
	Variant      SpecVariant
	Stages       []Stage
	Descriptions []string            // index-aligned with Stages, WithDescriptions+
	Versions     []OutputVersionInfo // index-aligned with output stage order, WithVersions only
}

// NewBasicSpecification builds a Basic-variant specification.
func NewBasicSpecification(stages []Stage) *PipelineSpecification {
	return &PipelineSpecification{Variant: Basic, Stages: stages}
}

// WithStageDescriptions upgrades a specification to WithDescriptions.
func (p *PipelineSpecification) WithStageDescriptions(descriptions []string) *PipelineSpecification {
	return &PipelineSpecification{Variant: WithDescriptions, Stages: p.Stages, Descriptions: descriptions}
}

// WithOutputVersions upgrades a specification to WithVersions.
func (p *PipelineSpecification) WithOutputVersions(versions []OutputVersionInfo) *PipelineSpecification {
	return &PipelineSpecification{Variant: WithVersions, Stages: p.Stages, Descriptions: p.Descriptions, Versions: versions}
}

// Description returns the version-context string for stage, panicking with
// an Invariant error if the specification is Basic.
func (p *PipelineSpecification) Description(stage int) string {
	if p.Variant == Basic {
		panic(NewError(KindInvariant, "spec.description", fmt.Errorf("basic specification has no descriptions")))
	}
	return p.Descriptions[stage]
}

// OutputVersion returns the stored fingerprint set for the i-th output
// stage (in output_stage_at order), panicking with an Invariant error
// unless the specification is WithVersions.
func (p *PipelineSpecification) OutputVersion(i int) OutputVersionInfo {
	if p.Variant != WithVersions {
		panic(NewError(KindInvariant, "spec.outputversion", fmt.Errorf("specification has no stored versions")))
	}
	return p.Versions[i]
}

// PipelineTopology is the read-only view C3/C4/C5 consume: parent/children
// lookups and output-stage enumeration over a PipelineSpecification.
type PipelineTopology struct {
	spec         *PipelineSpecification
	children     map[int][]int // parent index (-1 for root) -> child stage indices
	outputStages []int
}

// NewTopology builds a PipelineTopology from spec, validating the tree
// shape: leaves must be exactly the output stages, and parent indices must
// form an acyclic graph.
func NewTopology(spec *PipelineSpecification) (*PipelineTopology, error) {
	children := make(map[int][]int)
	for i, st := range spec.Stages {
		children[st.Parent] = append(children[st.Parent], i)
	}

	var outputs []int
	for i, st := range spec.Stages {
		isLeaf := len(children[i]) == 0
		if st.IsOutput != isLeaf {
			return nil, NewError(KindInvariant, "topology.build", fmt.Errorf("stage %d: output flag does not match leaf status", i))
		}
		if st.IsOutput {
			outputs = append(outputs, i)
		}
	}

	t := &PipelineTopology{spec: spec, children: children, outputStages: outputs}
	if err := t.checkAcyclic(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *PipelineTopology) checkAcyclic() error {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(t.spec.Stages))
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		for _, c := range t.children[i] {
			switch color[c] {
			case gray:
				return NewError(KindInvariant, "topology.acyclic", fmt.Errorf("cycle detected at stage %d", c))
			case white:
				if err := visit(c); err != nil {
					return err
				}
			}
		}
		color[i] = black
		return nil
	}
	for _, root := range t.children[-1] {
		if color[root] == white {
			if err := visit(root); err != nil {
				return err
			}
		}
	}
	for i, c := range color {
		if c == white {
			return NewError(KindInvariant, "topology.acyclic", fmt.Errorf("stage %d is not reachable from the root (cycle)", i))
		}
	}
	return nil
}

func (t *PipelineTopology) StageCount() int { return len(t.spec.Stages) }

// ChildrenOf returns the children of stage (-1 for the virtual root).
func (t *PipelineTopology) ChildrenOf(stage int) []int { return t.children[stage] }

// ParentOf returns stage's parent (-1 if root-attached).
func (t *PipelineTopology) ParentOf(stage int) int { return t.spec.Stages[stage].Parent }

func (t *PipelineTopology) OutputStageCount() int { return len(t.outputStages) }

// OutputStageAt returns the i-th output stage index, in declaration order.
func (t *PipelineTopology) OutputStageAt(i int) int { return t.outputStages[i] }

func (t *PipelineTopology) ConnectionName(stage int) string { return t.spec.Stages[stage].Connection }

func (t *PipelineTopology) IsOutput(stage int) bool { return t.spec.Stages[stage].IsOutput }

// Spec exposes the underlying specification for components (C5) that need
// descriptions/versions directly.
func (t *PipelineTopology) Spec() *PipelineSpecification { return t.spec }
