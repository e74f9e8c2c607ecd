// internal/taskdoc/taskdoc.go
//
// This package parses checklist-style task documents into task blocks.
// A task document looks like:
//
//	### Task T-1
//	Some context for the agent.
//	- [ ] t1 implement the widget
//	---
//	### Task T-2
//	- [x] t2 already done
//
// Each block starts at a "### Task <ID>" heading and ends at a horizontal
// rule, the next second-level heading, the next task heading, or the end
// of the document. A block that still needs work contains exactly one
// open checkbox line.
package taskdoc

import (
	"regexp"
	"strings"
)

var (
	headerRe    = regexp.MustCompile(`^### Task\s+(\S+)`)
	separatorRe = regexp.MustCompile(`^-{3,}$`)
	uncheckedRe = regexp.MustCompile(`^- \[ \] (\S+)(?:\s+(.*))?$`)
)

// Block is one contiguous span of document lines describing a unit of work.
type Block struct {
	ID        string
	StartLine int // 1-based line number of the "### Task" heading
	Lines     []string
}

// Raw returns the block's source text, heading included.
func (b Block) Raw() string {
	return strings.Join(b.Lines, "\n")
}

// UncheckedLine is one open checkbox entry: "- [ ] <id> <summary>".
type UncheckedLine struct {
	Line    int // 1-based line number in the document
	TaskID  string
	Summary string
	Text    string
}

// Unchecked returns every open checkbox line inside the block, in order.
func (b Block) Unchecked() []UncheckedLine {
	var found []UncheckedLine
	for i, raw := range b.Lines {
		if line, ok := parseUnchecked(raw, b.StartLine+i); ok {
			found = append(found, line)
		}
	}
	return found
}

// FirstUnchecked returns the first open checkbox line, if any. Callers that
// care about malformed documents (more than one open line) should compare
// against UncheckedCount.
func (b Block) FirstUnchecked() (UncheckedLine, bool) {
	for i, raw := range b.Lines {
		if line, ok := parseUnchecked(raw, b.StartLine+i); ok {
			return line, true
		}
	}
	return UncheckedLine{}, false
}

// UncheckedCount counts open checkbox lines in the block. Zero means the
// block is fully checked; more than one means the document is malformed.
func (b Block) UncheckedCount() int {
	return len(b.Unchecked())
}

// Scanner walks a document and yields task blocks in source order. A fresh
// Scanner restarts from the top; parsing never mutates the document.
type Scanner struct {
	lines []string
	pos   int
	fence fenceState
}

// NewScanner prepares a scanner over the document text.
func NewScanner(text string) *Scanner {
	return &Scanner{lines: splitLines(text)}
}

// Next returns the next task block, or ok=false when the document is
// exhausted.
func (s *Scanner) Next() (Block, bool) {
	// Find the next task heading outside any code fence.
	for s.pos < len(s.lines) {
		line := s.lines[s.pos]
		if s.fence.observe(line) || s.fence.inside() {
			s.pos++
			continue
		}
		if id, ok := parseHeader(line); ok {
			return s.collect(id), true
		}
		s.pos++
	}
	return Block{}, false
}

// collect consumes lines from the current heading until a terminator.
func (s *Scanner) collect(id string) Block {
	block := Block{ID: id, StartLine: s.pos + 1}
	block.Lines = append(block.Lines, s.lines[s.pos])
	s.pos++
	for s.pos < len(s.lines) {
		line := s.lines[s.pos]
		if s.fence.observe(line) {
			block.Lines = append(block.Lines, line)
			s.pos++
			continue
		}
		if s.fence.inside() {
			// Separators and headings inside a code fence are body text.
			// Ending a block on them would silently truncate task context.
			block.Lines = append(block.Lines, line)
			s.pos++
			continue
		}
		trimmed := trimLine(line)
		switch {
		case separatorRe.MatchString(trimmed):
			s.pos++ // consume the rule; it belongs to no block
			return block
		case isSectionHeading(trimmed):
			return block // heading starts the next section; leave it
		default:
			if _, ok := parseHeader(line); ok {
				return block // back-to-back task blocks
			}
		}
		block.Lines = append(block.Lines, line)
		s.pos++
	}
	return block
}

// Blocks parses the whole document eagerly.
func Blocks(text string) []Block {
	var blocks []Block
	sc := NewScanner(text)
	for {
		block, ok := sc.Next()
		if !ok {
			return blocks
		}
		blocks = append(blocks, block)
	}
}

// HasBlocks reports whether the document uses the task-block format at all.
func HasBlocks(text string) bool {
	sc := NewScanner(text)
	_, ok := sc.Next()
	return ok
}

// NextBlock returns the first block that still has an open checkbox line.
func NextBlock(text string) (Block, bool) {
	sc := NewScanner(text)
	for {
		block, ok := sc.Next()
		if !ok {
			return Block{}, false
		}
		if block.UncheckedCount() > 0 {
			return block, true
		}
	}
}

// FirstUncheckedAnywhere scans the whole document for the first open
// checkbox line, ignoring block structure. This is the compatibility path
// for flat checklist documents that predate the block format.
func FirstUncheckedAnywhere(text string) (UncheckedLine, bool) {
	var fence fenceState
	for i, raw := range splitLines(text) {
		if fence.observe(raw) || fence.inside() {
			continue
		}
		if line, ok := parseUnchecked(raw, i+1); ok {
			return line, true
		}
	}
	return UncheckedLine{}, false
}

// RemainingCount reports how many open checkbox lines the document still
// carries. With task blocks present only lines inside blocks count; without
// blocks every open checkbox line counts.
func RemainingCount(text string) int {
	blocks := Blocks(text)
	if len(blocks) == 0 {
		count := 0
		var fence fenceState
		for i, raw := range splitLines(text) {
			if fence.observe(raw) || fence.inside() {
				continue
			}
			if _, ok := parseUnchecked(raw, i+1); ok {
				count++
			}
		}
		return count
	}
	count := 0
	for _, block := range blocks {
		count += block.UncheckedCount()
	}
	return count
}

func parseHeader(line string) (string, bool) {
	match := headerRe.FindStringSubmatch(trimLine(line))
	if match == nil {
		return "", false
	}
	return match[1], true
}

func parseUnchecked(raw string, lineNum int) (UncheckedLine, bool) {
	match := uncheckedRe.FindStringSubmatch(trimLine(raw))
	if match == nil {
		return UncheckedLine{}, false
	}
	return UncheckedLine{
		Line:    lineNum,
		TaskID:  match[1],
		Summary: strings.TrimSpace(match[2]),
		Text:    trimLine(raw),
	}, true
}

// isSectionHeading matches "## <title>" with a non-empty title. "##Title"
// (no space) and bare "##" are near-misses and must not end a block.
func isSectionHeading(trimmed string) bool {
	if !strings.HasPrefix(trimmed, "## ") {
		return false
	}
	return strings.TrimSpace(trimmed[3:]) != ""
}

// trimLine strips surrounding tabs/spaces and a trailing carriage return
// so parsing is agnostic to indentation, trailing whitespace, and CRLF
// documents.
func trimLine(raw string) string {
	return strings.Trim(raw, " \t\r")
}

func splitLines(text string) []string {
	return strings.Split(text, "\n")
}

// fenceState tracks markdown code fences (``` or ~~~) so structural lines
// inside a fence are treated as body text.
type fenceState struct {
	open bool
	char byte
	size int
}

func (f *fenceState) inside() bool { return f.open }

// observe inspects one line and reports whether it opens or closes a fence.
func (f *fenceState) observe(raw string) bool {
	trimmed := trimLine(raw)
	if len(trimmed) < 3 {
		return false
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return false
	}
	run := 0
	for run < len(trimmed) && trimmed[run] == c {
		run++
	}
	if run < 3 {
		return false
	}
	if !f.open {
		f.open = true
		f.char = c
		f.size = run
		return true
	}
	if c == f.char && run >= f.size {
		f.open = false
		f.char = 0
		f.size = 0
		return true
	}
	return false
}
