package ingest

import "fmt"

// OutputHandles and TransformationHandles supply the connector handles the
// builder wires into the executable tree, keyed by stage index.
type OutputHandles map[int]OutputConnector
type TransformationHandles map[int]TransformationConnector

// maxFoldIterations bounds the bottom-up fold defensively — a topology
// that passed NewTopology's acyclic check can never need more rounds than
// it has stages, so hitting this is itself evidence of a builder bug, not
// a legitimate large pipeline. Mirrors the defensive iteration ceiling in
// workflow/expander.go's expandLoop (MaxIterations), generalized from loop
// expansion to fold rounds.
const maxFoldIterations = 10000

// BuildCheckPipeline constructs the executable check tree (C3) bottom-up:
// output leaves wrapping outputs, folded into fan-out combiners at every
// branching stage. Transformation stages are transparent to check
// operations (only output connectors implement the Check*Indexable
// probes), so they never wrap a check node — they just pass the fold
// through.
func BuildCheckPipeline(topo *PipelineTopology, outputs OutputHandles) (CheckNode, error) {
	current := make(map[int]CheckNode, topo.OutputStageCount())
	for i := 0; i < topo.OutputStageCount(); i++ {
		stage := topo.OutputStageAt(i)
		conn, ok := outputs[stage]
		if !ok {
			return nil, NewError(KindConnectorAbsent, "builder.check", fmt.Errorf("no output connector for stage %d", stage))
		}
		current[stage] = &checkOutputLeaf{connector: conn}
	}

	for iter := 0; ; iter++ {
		if iter > maxFoldIterations {
			return nil, NewError(KindInvariant, "builder.check.fold", fmt.Errorf("fold did not converge: malformed topology"))
		}
		if len(current) == 1 {
			for stage, node := range current {
				if topo.ParentOf(stage) == -1 {
					return node, nil
				}
			}
		}

		parent, children, ok := findFoldableParent(topo, current)
		if !ok {
			return nil, NewError(KindInvariant, "builder.check.fold", fmt.Errorf("no foldable parent found with %d nodes remaining", len(current)))
		}

		fanout := &checkFanout{}
		for _, c := range children {
			fanout.children = append(fanout.children, current[c])
			fanout.active = append(fanout.active, true)
			delete(current, c)
		}
		if parent == -1 {
			if len(current) != 0 {
				return nil, NewError(KindInvariant, "builder.check.fold", fmt.Errorf("root fan-out built with stages still pending"))
			}
			return fanout, nil
		}
		current[parent] = fanout
	}
}

// BuildAddPipeline constructs the executable add tree (C4): per-output
// addLeaf terminals (carrying the pre-computed needsReindex bit), folded
// into fan-outs at branching stages, with each transformation stage
// wrapped by a transformationEntryPoint once all its children are folded.
func BuildAddPipeline(
	executor *PipelineExecutor,
	topo *PipelineTopology,
	docKey string,
	outputs OutputHandles,
	transformations TransformationHandles,
	needsReindex []bool,
	activities ActivityLog,
	ingestTime int64,
) (OutputAddActivity, error) {
	current := make(map[int]OutputAddActivity, topo.OutputStageCount())
	for i := 0; i < topo.OutputStageCount(); i++ {
		stage := topo.OutputStageAt(i)
		conn, ok := outputs[stage]
		if !ok {
			return nil, NewError(KindConnectorAbsent, "builder.add", fmt.Errorf("no output connector for stage %d", stage))
		}
		qualified := NewQualifiedActivitySink(topo.ConnectionName(stage), activities)
		current[stage] = &addLeaf{
			executor:   executor,
			output:     topo.ConnectionName(stage),
			docKey:     docKey,
			active:     needsReindex[i],
			connector:  conn,
			activities: qualified,
			ingestTime: ingestTime,
		}
	}

	for iter := 0; ; iter++ {
		if iter > maxFoldIterations {
			return nil, NewError(KindInvariant, "builder.add.fold", fmt.Errorf("fold did not converge: malformed topology"))
		}
		if len(current) == 1 {
			for stage, node := range current {
				if topo.ParentOf(stage) == -1 {
					return node, nil
				}
			}
		}

		parent, children, ok := findFoldableParentGeneric(topo, current)
		if !ok {
			return nil, NewError(KindInvariant, "builder.add.fold", fmt.Errorf("no foldable parent found with %d nodes remaining", len(current)))
		}

		fanout := &addFanout{}
		for _, c := range children {
			node := current[c]
			fanout.children = append(fanout.children, node)
			fanout.active = append(fanout.active, childIsActive(node))
			delete(current, c)
		}

		var wrapped OutputAddActivity = fanout
		if parent != -1 {
			conn, ok := transformations[parent]
			if !ok {
				return nil, NewError(KindConnectorAbsent, "builder.add", fmt.Errorf("no transformation connector for stage %d", parent))
			}
			qualified := NewQualifiedActivitySink(topo.ConnectionName(parent), activities)
			wrapped = &transformationEntryPoint{connector: conn, next: fanout, activities: qualified}
		}

		if parent == -1 {
			if len(current) != 0 {
				return nil, NewError(KindInvariant, "builder.add.fold", fmt.Errorf("root fan-out built with stages still pending"))
			}
			return wrapped, nil
		}
		current[parent] = wrapped
	}
}

// childIsActive reports whether a folded node should participate in a
// parent fan-out's logical-OR combination: leaves carry their own active
// bit; fan-outs and transformation wrappers are active iff any descendant
// leaf is (§4.4).
func childIsActive(node OutputAddActivity) bool {
	switch n := node.(type) {
	case *addLeaf:
		return n.active
	case *addFanout:
		for _, a := range n.active {
			if a {
				return true
			}
		}
		return false
	case *transformationEntryPoint:
		if fo, ok := n.next.(*addFanout); ok {
			return childIsActive(fo)
		}
		return childIsActive(n.next)
	default:
		return true
	}
}

// findFoldableParent scans current for any stage whose parent has ALL of
// its topology children already present in current (CheckNode variant).
func findFoldableParent(topo *PipelineTopology, current map[int]CheckNode) (parent int, children []int, ok bool) {
	seen := make(map[int]bool)
	for stage := range current {
		p := topo.ParentOf(stage)
		if seen[p] {
			continue
		}
		seen[p] = true
		kids := topo.ChildrenOf(p)
		allPresent := len(kids) > 0
		for _, k := range kids {
			if _, present := current[k]; !present {
				allPresent = false
				break
			}
		}
		if allPresent {
			return p, kids, true
		}
	}
	return 0, nil, false
}

// findFoldableParentGeneric is findFoldableParent's OutputAddActivity
// counterpart. Go's lack of covariant map parameters (map[int]CheckNode
// and map[int]OutputAddActivity are unrelated types) forces this
// duplicate rather than a single generic over an unconstrained map value.
func findFoldableParentGeneric(topo *PipelineTopology, current map[int]OutputAddActivity) (parent int, children []int, ok bool) {
	seen := make(map[int]bool)
	for stage := range current {
		p := topo.ParentOf(stage)
		if seen[p] {
			continue
		}
		seen[p] = true
		kids := topo.ChildrenOf(p)
		allPresent := len(kids) > 0
		for _, k := range kids {
			if _, present := current[k]; !present {
				allPresent = false
				break
			}
		}
		if allPresent {
			return p, kids, true
		}
	}
	return 0, nil, false
}
