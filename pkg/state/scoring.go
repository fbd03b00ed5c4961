package state

import (
	"sort"
	"strings"
)

var roleRelevance = map[string]float64{
	"user":      1.0,
	"focus":     0.9,
	"assistant": 0.8,
	"ltm":       0.7,
	"memory":    0.7,
	"tool":      0.6,
	"rag":       0.6,
	"system":    0.5,
}

const defaultRoleRelevance = 0.5

// ScoreContextItem scores one memory-context item for retention.
// Position counts back from the most recent retained item (position 0 is
// the newest), so older items decay as 1/(position+1). The direction is
// pinned by the smart-pruning tests; the recency term combined with role
// relevance is what keeps fresh user/tool material over stale system
// notes.
func (s *ConversationState) ScoreContextItem(item ContextItem, position int) float64 {
	if position < 0 {
		position = 0
	}
	recency := 1.0 / float64(position+1)
	relevance := s.typeRelevance(item)
	return 0.7*recency + 0.3*relevance
}

func (s *ConversationState) typeRelevance(item ContextItem) float64 {
	rel, ok := roleRelevance[item.Role]
	if !ok {
		rel = defaultRoleRelevance
	}
	if s.UserInput != "" &&
		strings.Contains(strings.ToLower(item.Content), strings.ToLower(s.UserInput)) {
		rel += 0.2
	}
	if rel > 1.0 {
		rel = 1.0
	}
	return rel
}

func (s *ConversationState) pruneMemoryContext(items []ContextItem, max int) []ContextItem {
	if len(items) <= max {
		return items
	}
	if !s.Limits.EnableSmartPruning {
		return append([]ContextItem(nil), items[len(items)-max:]...)
	}

	type ranked struct {
		index int
		score float64
	}
	scored := make([]ranked, len(items))
	for i, item := range items {
		scored[i] = ranked{index: i, score: s.ScoreContextItem(item, len(items)-1-i)}
	}
	// Stable keeps earlier insertions first on score ties.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})
	keep := scored[:max]
	sort.Slice(keep, func(i, j int) bool { return keep[i].index < keep[j].index })

	out := make([]ContextItem, 0, max)
	for _, r := range keep {
		out = append(out, items[r.index])
	}
	return out
}
