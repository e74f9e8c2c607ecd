package taskdoc

import (
	"strings"
	"testing"
)

const sampleDoc = `# Project plan

## Phase 1

### Task T-1
Build the widget.
- [ ] t1 implement the widget

---

### Task T-2
- [x] t2 already finished

## Phase 2

### Task T-3
Notes for the agent.
- [ ] t3 wire the widget up
`

func TestBlocksParsesInSourceOrder(t *testing.T) {
	blocks := Blocks(sampleDoc)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	wantIDs := []string{"T-1", "T-2", "T-3"}
	for i, id := range wantIDs {
		if blocks[i].ID != id {
			t.Fatalf("block %d: expected ID %s, got %s", i, id, blocks[i].ID)
		}
	}
	if blocks[0].UncheckedCount() != 1 {
		t.Fatalf("T-1 should have one unchecked line")
	}
	if blocks[1].UncheckedCount() != 0 {
		t.Fatalf("T-2 is fully checked, got %d unchecked", blocks[1].UncheckedCount())
	}
}

func TestScannerRestarts(t *testing.T) {
	first := Blocks(sampleDoc)
	second := Blocks(sampleDoc)
	if len(first) != len(second) {
		t.Fatalf("restarted scan differs: %d vs %d", len(first), len(second))
	}
}

func TestParsingInvariantUnderLineEndingAndIndent(t *testing.T) {
	crlf := strings.ReplaceAll(sampleDoc, "\n", "\r\n")
	indented := strings.ReplaceAll(sampleDoc, "### Task", "\t  ### Task")
	indented = strings.ReplaceAll(indented, "---", "   ---   ")
	trailing := strings.ReplaceAll(sampleDoc, "---", "---\t ")
	for name, doc := range map[string]string{"crlf": crlf, "indented": indented, "trailing": trailing} {
		blocks := Blocks(doc)
		if len(blocks) != 3 {
			t.Fatalf("%s: expected 3 blocks, got %d", name, len(blocks))
		}
		if blocks[0].ID != "T-1" || blocks[2].ID != "T-3" {
			t.Fatalf("%s: unexpected block IDs %s/%s", name, blocks[0].ID, blocks[2].ID)
		}
	}
}

func TestSeparatorWithTrailingWhitespaceEndsBlock(t *testing.T) {
	doc := strings.Join([]string{
		"### Task A",
		"- [ ] a the real work",
		"---   ",
		"- [ ] stray outside any block",
	}, "\n")
	blocks := Blocks(doc)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].UncheckedCount() != 1 {
		t.Fatalf("rule with trailing spaces did not end the block: %q", blocks[0].Raw())
	}
	report := Validate(doc)
	if len(report.Stray) != 1 {
		t.Fatalf("expected the post-rule line reported stray, got %+v", report.Stray)
	}
}

func TestNearMissesDoNotTerminate(t *testing.T) {
	doc := strings.Join([]string{
		"### Task A",
		"##NotAHeading",
		"-- too short",
		"- [ ] a keep going",
		"### Task B",
		"- [ ] b second block",
	}, "\n")
	blocks := Blocks(doc)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].UncheckedCount() != 1 {
		t.Fatalf("near-miss lines truncated block A: %q", blocks[0].Raw())
	}
	if len(blocks[0].Lines) != 4 {
		t.Fatalf("block A should keep near-miss lines, got %d lines", len(blocks[0].Lines))
	}
}

func TestSeparatorInsideCodeFenceIsBodyText(t *testing.T) {
	doc := strings.Join([]string{
		"### Task A",
		"```",
		"---",
		"## fake heading",
		"```",
		"- [ ] a after the fence",
	}, "\n")
	blocks := Blocks(doc)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if _, ok := blocks[0].FirstUnchecked(); !ok {
		t.Fatalf("fence content terminated the block early: %q", blocks[0].Raw())
	}
}

func TestTaskHeadingInsideCodeFenceIsBodyText(t *testing.T) {
	doc := strings.Join([]string{
		"```",
		"### Task FAKE",
		"- [ ] fake not real work",
		"```",
	}, "\n")
	if blocks := Blocks(doc); len(blocks) != 0 {
		t.Fatalf("fenced heading produced a block: %+v", blocks)
	}
	if got := RemainingCount(doc); got != 0 {
		t.Fatalf("fenced checkbox counted as work: %d", got)
	}
	doc = strings.Join([]string{
		"```",
		"### Task FAKE",
		"```",
		"### Task REAL",
		"- [ ] r the actual work",
	}, "\n")
	blocks := Blocks(doc)
	if len(blocks) != 1 || blocks[0].ID != "REAL" {
		t.Fatalf("expected only the unfenced block, got %+v", blocks)
	}
}

func TestTildeFence(t *testing.T) {
	doc := "### Task A\n~~~~\n---\n~~~~\n- [ ] a done later\n"
	blocks := Blocks(doc)
	if len(blocks) != 1 || blocks[0].UncheckedCount() != 1 {
		t.Fatalf("tilde fence not honored: %+v", blocks)
	}
}

func TestCheckedLinesNeverCount(t *testing.T) {
	doc := "### Task A\n- [x] a finished\n- [X] b also finished\n"
	blocks := Blocks(doc)
	if blocks[0].UncheckedCount() != 0 {
		t.Fatalf("checked lines counted as unchecked")
	}
}

func TestFirstUncheckedAnywhereFallback(t *testing.T) {
	doc := "# Flat checklist\n\n- [x] one done\n- [ ] two pending work\n- [ ] three later\n"
	if HasBlocks(doc) {
		t.Fatalf("flat document should have no blocks")
	}
	line, ok := FirstUncheckedAnywhere(doc)
	if !ok {
		t.Fatalf("expected fallback match")
	}
	if line.TaskID != "two" || line.Summary != "pending work" {
		t.Fatalf("unexpected fallback line: %+v", line)
	}
	if line.Line != 4 {
		t.Fatalf("expected line 4, got %d", line.Line)
	}
}

func TestNextBlockSkipsCheckedBlocks(t *testing.T) {
	block, ok := NextBlock(sampleDoc)
	if !ok || block.ID != "T-1" {
		t.Fatalf("expected T-1, got %+v ok=%v", block, ok)
	}
	done := strings.ReplaceAll(sampleDoc, "- [ ]", "- [x]")
	if _, ok := NextBlock(done); ok {
		t.Fatalf("fully checked document should yield no block")
	}
}

func TestRemainingCount(t *testing.T) {
	if got := RemainingCount(sampleDoc); got != 2 {
		t.Fatalf("expected 2 remaining, got %d", got)
	}
	done := strings.ReplaceAll(sampleDoc, "- [ ]", "- [x]")
	if got := RemainingCount(done); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
	flat := "- [ ] one\n- [ ] two\n"
	if got := RemainingCount(flat); got != 2 {
		t.Fatalf("flat fallback: expected 2, got %d", got)
	}
}

func TestStrayUncheckedIgnoredByRemainingCount(t *testing.T) {
	doc := "- [ ] stray before blocks\n\n### Task A\n- [ ] a real work\n"
	if got := RemainingCount(doc); got != 1 {
		t.Fatalf("stray line should not count, got %d", got)
	}
}

func TestValidateReportsStrayAndAmbiguous(t *testing.T) {
	doc := strings.Join([]string{
		"- [ ] stray outside",
		"### Task A",
		"- [ ] a first",
		"- [ ] a2 second",
		"---",
	}, "\n")
	report := Validate(doc)
	if report.Clean() {
		t.Fatalf("expected findings")
	}
	if len(report.Stray) != 1 || report.Stray[0].Line != 1 {
		t.Fatalf("unexpected stray report: %+v", report.Stray)
	}
	if len(report.Ambiguous) != 1 || report.Ambiguous[0].BlockID != "A" || report.Ambiguous[0].Count != 2 {
		t.Fatalf("unexpected ambiguity report: %+v", report.Ambiguous)
	}
	if len(report.Problems()) != 2 {
		t.Fatalf("expected 2 problem lines, got %v", report.Problems())
	}
}

func TestValidateFlatDocument(t *testing.T) {
	report := Validate("- [ ] just a checklist\n")
	if !report.NoBlocks {
		t.Fatalf("expected NoBlocks for flat document")
	}
	if !report.Clean() {
		t.Fatalf("flat documents produce no stray findings")
	}
}
