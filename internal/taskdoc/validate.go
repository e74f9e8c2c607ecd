package taskdoc

import "fmt"

// Ambiguity flags a block carrying more than one open checkbox line.
type Ambiguity struct {
	BlockID   string
	StartLine int
	Count     int
}

// Report collects data-quality findings for a task document. Findings are
// diagnostics, not failures: the parser keeps working by taking the first
// match.
type Report struct {
	// Stray lists open checkbox lines that sit outside every recognized
	// block. They are ignored for completion purposes but usually indicate
	// a malformed document.
	Stray []UncheckedLine
	// Ambiguous lists blocks with more than one open checkbox line.
	Ambiguous []Ambiguity
	// NoBlocks is set when the document has no task headings at all and
	// the flat-checklist fallback applies.
	NoBlocks bool
}

// Clean reports whether validation found nothing to complain about.
func (r Report) Clean() bool {
	return len(r.Stray) == 0 && len(r.Ambiguous) == 0
}

// Problems renders findings as human-readable one-liners.
func (r Report) Problems() []string {
	var out []string
	for _, a := range r.Ambiguous {
		out = append(out, fmt.Sprintf("block %s (line %d) has %d unchecked lines, want at most 1", a.BlockID, a.StartLine, a.Count))
	}
	for _, s := range r.Stray {
		out = append(out, fmt.Sprintf("line %d: unchecked item %q outside any task block", s.Line, s.TaskID))
	}
	return out
}

// Validate inspects the document for stray unchecked lines and ambiguous
// blocks.
func Validate(text string) Report {
	blocks := Blocks(text)
	report := Report{NoBlocks: len(blocks) == 0}
	if report.NoBlocks {
		return report
	}
	covered := make(map[int]bool)
	for _, block := range blocks {
		for i := range block.Lines {
			covered[block.StartLine+i] = true
		}
		if count := block.UncheckedCount(); count > 1 {
			report.Ambiguous = append(report.Ambiguous, Ambiguity{
				BlockID:   block.ID,
				StartLine: block.StartLine,
				Count:     count,
			})
		}
	}
	var fence fenceState
	for i, raw := range splitLines(text) {
		if fence.observe(raw) || fence.inside() {
			continue
		}
		lineNum := i + 1
		if covered[lineNum] {
			continue
		}
		if line, ok := parseUnchecked(raw, lineNum); ok {
			report.Stray = append(report.Stray, line)
		}
	}
	return report
}
