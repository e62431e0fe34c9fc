package checkpoint

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DiffContext is the number of unchanged lines shown around each change.
const DiffContext = 3

type diffLine struct {
	op    byte // ' ', '-' or '+'
	text  string
	oldNo int
	newNo int
}

// UnifiedDiff renders a unified diff between before and after. Identical
// inputs produce an empty string.
func UnifiedDiff(path, before, after string, context int) string {
	if before == after {
		return ""
	}
	lines := diffLines(before, after)

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)

	i := 0
	for i < len(lines) {
		if lines[i].op == ' ' {
			i++
			continue
		}
		start := max(0, i-context)
		end := i
		for {
			for end+1 < len(lines) && lines[end+1].op != ' ' {
				end++
			}
			next := end + 1
			for next < len(lines) && lines[next].op == ' ' {
				next++
			}
			if next < len(lines) && next-end-1 <= 2*context {
				end = next
				continue
			}
			break
		}
		stop := min(len(lines), end+context+1)
		writeHunk(&b, lines[start:stop])
		i = stop
	}
	return b.String()
}

func writeHunk(b *strings.Builder, hunk []diffLine) {
	oldStart, newStart := hunk[0].oldNo, hunk[0].newNo
	oldCount, newCount := 0, 0
	for _, l := range hunk {
		if l.op != '+' {
			oldCount++
		}
		if l.op != '-' {
			newCount++
		}
	}
	if oldCount == 0 {
		oldStart--
	}
	if newCount == 0 {
		newStart--
	}
	fmt.Fprintf(b, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
	for _, l := range hunk {
		b.WriteByte(l.op)
		b.WriteString(l.text)
		if !strings.HasSuffix(l.text, "\n") {
			b.WriteString("\n\\ No newline at end of file\n")
		}
	}
}

// diffLines runs a line-mode diff and numbers every resulting line.
func diffLines(before, after string) []diffLine {
	dmp := diffmatchpatch.New()
	a, bb, table := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, bb, false), table)

	var out []diffLine
	oldNo, newNo := 1, 1
	for _, d := range diffs {
		var op byte
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			op = ' '
		case diffmatchpatch.DiffDelete:
			op = '-'
		case diffmatchpatch.DiffInsert:
			op = '+'
		}
		for _, text := range strings.SplitAfter(d.Text, "\n") {
			if text == "" {
				continue
			}
			out = append(out, diffLine{op: op, text: text, oldNo: oldNo, newNo: newNo})
			if op != '+' {
				oldNo++
			}
			if op != '-' {
				newNo++
			}
		}
	}
	return out
}
