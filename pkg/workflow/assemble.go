package workflow

import (
	"sort"
	"strings"
)

// stageArtifact is one per-stage fragment written for the current iteration.
type stageArtifact struct {
	ordinal string
	role    string
	data    []byte
}

// normalizeFragment guarantees a trailing newline so concatenated fragments
// never glue two statements onto one line.
func normalizeFragment(fragment string) []byte {
	if !strings.HasSuffix(fragment, "\n") {
		fragment += "\n"
	}
	return []byte(fragment)
}

// assemble builds the combined script: header followed by the stage
// artifacts in ascending ordinal order. The combined bytes are exactly the
// header plus the artifact file contents; nothing is inserted between them.
func assemble(header string, artifacts []stageArtifact) []byte {
	sorted := make([]stageArtifact, len(artifacts))
	copy(sorted, artifacts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ordinal < sorted[j].ordinal
	})

	var b strings.Builder
	b.WriteString(header)
	for _, a := range sorted {
		b.Write(a.data)
	}
	return []byte(b.String())
}
