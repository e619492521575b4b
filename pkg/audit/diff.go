package audit

import (
	"encoding/json"
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DetailsDiff renders a compact patch between two metadata snapshots for
// human review. Returns "" when the snapshots render identically.
func DetailsDiff(before, after map[string]any) string {
	b := renderSnapshot(before)
	a := renderSnapshot(after)
	if b == a {
		return ""
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(b, a, false)
	patches := dmp.PatchMake(b, diffs)
	return dmp.PatchToText(patches)
}

// renderSnapshot produces a deterministic multi-line rendering; json sorts
// map keys, so equal maps always render equal.
func renderSnapshot(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return string(raw)
}
