// Package compress collapses redundant conversation history before
// persistence: repeated tool calls, failures superseded by a later
// success, and near-duplicate assistant turns.
package compress

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dotsetgreg/turnstate/pkg/errclass"
	"github.com/dotsetgreg/turnstate/pkg/state"
)

var toolMentionRegex = regexp.MustCompile(`(\w+)_tool`)

// Stats reports how much one compression pass removed.
type Stats struct {
	OriginalLength   int     `json:"original_length"`
	CompressedLength int     `json:"compressed_length"`
	CompressionRatio float64 `json:"compression_ratio"`
	ReductionPercent float64 `json:"reduction_percent"`
}

// Compressor reduces conversation histories. Classification of failure
// text is delegated to the error-pattern analyzer so dedup keys and retry
// policy agree on what a given error is.
type Compressor struct {
	analyzer         *errclass.Analyzer
	minHistoryLength int
}

// NewCompressor returns a compressor with the standard activation
// threshold.
func NewCompressor(analyzer *errclass.Analyzer) *Compressor {
	if analyzer == nil {
		analyzer = errclass.NewAnalyzer()
	}
	return &Compressor{analyzer: analyzer, minHistoryLength: 10}
}

// Compress runs the staged reduction over history and returns the reduced
// copy with stats. Histories at or below the activation threshold are
// returned unchanged. The output is never longer than the input.
func (c *Compressor) Compress(history []state.Turn) ([]state.Turn, Stats) {
	if len(history) <= c.minHistoryLength {
		return history, newStats(len(history), len(history))
	}

	out := c.dedupeToolCalls(history)
	out = c.filterSupersededFailures(out)
	out = c.groupSimilarOperations(out)
	out = c.removeRedundantAssistant(out)

	return out, newStats(len(history), len(out))
}

// Tool-call dedup: a repeat of the same (tool, outcome) key replaces the
// earlier occurrence in place, so position reflects the first attempt and
// content reflects the latest one.
func (c *Compressor) dedupeToolCalls(history []state.Turn) []state.Turn {
	out := make([]state.Turn, 0, len(history))
	seen := map[string]int{}
	for _, t := range history {
		if t.Role != state.RoleTool {
			out = append(out, t)
			continue
		}
		key := c.toolCallKey(t)
		if idx, ok := seen[key]; ok {
			out[idx] = t
			continue
		}
		seen[key] = len(out)
		out = append(out, t)
	}
	return out
}

func (c *Compressor) toolCallKey(t state.Turn) string {
	if t.ToolFailed() {
		kind := c.analyzer.Classify(t.Content).Kind
		return fmt.Sprintf("%s:error:%s", t.ToolName, kind)
	}
	return t.ToolName + ":success"
}

// Superseded-failure filtering: once a tool has succeeded, its failures
// carry no information. A success removes that tool's earlier errors from
// the output, and later errors for the tool are dropped as they arrive.
func (c *Compressor) filterSupersededFailures(history []state.Turn) []state.Turn {
	out := make([]state.Turn, 0, len(history))
	succeeded := map[string]bool{}
	for _, t := range history {
		if t.Role != state.RoleTool {
			out = append(out, t)
			continue
		}
		if t.ToolFailed() {
			if succeeded[t.ToolName] {
				continue
			}
			out = append(out, t)
			continue
		}
		if !succeeded[t.ToolName] {
			out = dropToolErrors(out, t.ToolName)
			succeeded[t.ToolName] = true
		}
		out = append(out, t)
	}
	return out
}

func dropToolErrors(turns []state.Turn, toolName string) []state.Turn {
	out := turns[:0]
	for _, t := range turns {
		if t.Role == state.RoleTool && t.ToolName == toolName && t.ToolFailed() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// groupSimilarOperations is a reserved stage boundary. It currently
// passes history through unchanged; a grouping strategy slots in here
// without touching the surrounding stages.
func (c *Compressor) groupSimilarOperations(history []state.Turn) []state.Turn {
	return history
}

// Redundant-assistant removal: an assistant turn is dropped when it
// repeats the previously retained assistant turn, contains it or is
// contained by it (both over 20 chars), or mentions exactly the same
// extracted tool names.
func (c *Compressor) removeRedundantAssistant(history []state.Turn) []state.Turn {
	out := make([]state.Turn, 0, len(history))
	lastAssistant := -1
	for _, t := range history {
		if t.Role != state.RoleAssistant {
			out = append(out, t)
			continue
		}
		if lastAssistant >= 0 && assistantRedundant(out[lastAssistant].Content, t.Content) {
			continue
		}
		lastAssistant = len(out)
		out = append(out, t)
	}
	return out
}

func assistantRedundant(prev, cur string) bool {
	if prev == cur {
		return true
	}
	if len(prev) > 20 && len(cur) > 20 &&
		(strings.Contains(prev, cur) || strings.Contains(cur, prev)) {
		return true
	}
	prevTools := toolMentions(prev)
	curTools := toolMentions(cur)
	return len(curTools) > 0 && sameStringSet(prevTools, curTools)
}

func toolMentions(content string) []string {
	matches := toolMentionRegex.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.ToLower(m[1])
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func newStats(original, compressed int) Stats {
	s := Stats{OriginalLength: original, CompressedLength: compressed}
	if compressed > 0 {
		s.CompressionRatio = float64(original) / float64(compressed)
	} else if original > 0 {
		s.CompressionRatio = float64(original)
	} else {
		s.CompressionRatio = 1
	}
	if original > 0 {
		s.ReductionPercent = 100 * float64(original-compressed) / float64(original)
	}
	return s
}
