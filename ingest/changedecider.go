package ingest

import "strings"

// ChangeDecider compares stored fingerprints against newly observed ones
// and decides, per output, whether a resend is required.
type ChangeDecider struct{}

// NewChangeDecider constructs a stateless decider (no fields — the
// decision is a pure function of its inputs).
func NewChangeDecider() *ChangeDecider { return &ChangeDecider{} }

// NeedsReindex implements §4.5. An empty newDocVersion is the sentinel for
// "force refetch" (P3); otherwise every output stage is checked
// independently against the topology's stored WithVersions data.
func (ChangeDecider) NeedsReindex(topo *PipelineTopology, newDocVersion, newParamVersion, newAuthority string) []bool {
	n := topo.OutputStageCount()
	results := make([]bool, n)
	if newDocVersion == "" {
		for i := range results {
			results[i] = true
		}
		return results
	}

	for i := 0; i < n; i++ {
		stored := topo.Spec().OutputVersion(i).Status
		if stored.LastVersion == "" {
			results[i] = true
			continue
		}
		outputStage := topo.OutputStageAt(i)
		newOutputVersion := topo.Spec().Description(outputStage)
		newTransformationVersion := PackTransformations(topo, outputStage)

		results[i] = stored.LastVersion != newDocVersion ||
			stored.ForcedParams != newParamVersion ||
			stored.AuthorityName != newAuthority ||
			stored.LastOutputVersion != newOutputVersion ||
			stored.LastTransformationVersion != newTransformationVersion
	}
	return results
}

// PackTransformations walks the parent chain from outputStage to the root,
// collecting each transformation stage's connection name and description,
// and packs the two parallel lists into one deterministic, round-trippable
// string (§4.5). Names escape with '+', descriptions escape with '!'; both
// use '\' as the escape character. Packing is a total injective function
// of the ordered (name, description) chain (P4): equal packings iff equal
// chains, including chains whose names/descriptions themselves contain the
// delimiters.
func PackTransformations(topo *PipelineTopology, outputStage int) string {
	var names, descriptions []string
	for s := topo.ParentOf(outputStage); s != -1; s = topo.ParentOf(s) {
		names = append(names, topo.ConnectionName(s))
		descriptions = append(descriptions, topo.Spec().Description(s))
	}

	var sb strings.Builder
	packList(&sb, names, '+')
	packList(&sb, descriptions, '!')
	return sb.String()
}

// packList writes each element escape-packed and delimiter-terminated.
func packList(sb *strings.Builder, items []string, delim byte) {
	for _, item := range items {
		for i := 0; i < len(item); i++ {
			c := item[i]
			if c == delim || c == '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(c)
		}
		sb.WriteByte(delim)
	}
}
