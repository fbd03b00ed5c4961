// Package contextopt selects the memory-context items worth carrying into
// the next model call. The Manager scores and filters candidates drawn
// from the conversation itself; the QualityValidator gates
// externally-assembled blocks (long-term memory, retrieved documents) at
// injection time with a coarser, independent model.
package contextopt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dotsetgreg/turnstate/pkg/state"
)

var toolNameRegex = regexp.MustCompile(`(\w+)_tool`)

var formalMarkers = []string{"please", "thank you", "would you", "could you"}
var casualMarkers = []string{"hey", "hi", "thanks", "cool", "awesome"}

// Manager scores and assembles candidate context items. Pure with respect
// to the state it reads; callers decide whether to adopt the result.
type Manager struct {
	maxRelevantHistory int
	maxToolResults     int
	maxPreferences     int
	relevanceFloor     float64
	toolResultPreview  int
}

// NewManager returns a manager with the standard selection caps.
func NewManager() *Manager {
	return &Manager{
		maxRelevantHistory: 10,
		maxToolResults:     5,
		maxPreferences:     3,
		relevanceFloor:     0.3,
		toolResultPreview:  100,
	}
}

// OptimizeMemoryContext builds the bounded context for the next model
// call: relevant history, focus areas, latest tool results and inferred
// user preferences, merged by score, deduplicated and capped at the
// state's memory-context bound.
func (m *Manager) OptimizeMemoryContext(st *state.ConversationState, userInput string) []state.ContextItem {
	items := m.relevantHistory(st.ConversationHistory, userInput)
	items = append(items, m.focusContext(st.Focus)...)
	items = append(items, m.toolResultContext(st.ConversationHistory)...)
	items = append(items, m.inferredPreferences(st.ConversationHistory)...)

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Relevance > items[j].Relevance
	})
	items = dedupeByContentPrefix(items, 100)

	max := st.Limits.MaxMemoryContextSize
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	return items
}

func (m *Manager) relevantHistory(history []state.Turn, userInput string) []state.ContextItem {
	if strings.TrimSpace(userInput) == "" {
		return nil
	}
	type scoredTurn struct {
		turn  state.Turn
		score float64
	}
	var scored []scoredTurn
	for _, t := range history {
		ratio, overlap, inputCount := overlapRatio(t.Content, userInput)
		if inputCount == 0 || ratio <= m.relevanceFloor {
			continue
		}
		score := ratio
		if strings.Contains(strings.ToLower(t.Content), strings.ToLower(userInput)) {
			score += 0.3
		}
		if float64(overlap) >= 0.7*float64(inputCount) {
			score += 0.2
		}
		if score > 1.0 {
			score = 1.0
		}
		scored = append(scored, scoredTurn{turn: t, score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > m.maxRelevantHistory {
		scored = scored[:m.maxRelevantHistory]
	}

	out := make([]state.ContextItem, 0, len(scored))
	for _, s := range scored {
		out = append(out, state.ContextItem{
			Role:      s.turn.Role,
			Source:    state.SourceConversation,
			Content:   s.turn.Content,
			Relevance: s.score,
		})
	}
	return out
}

func (m *Manager) focusContext(focus []string) []state.ContextItem {
	out := make([]state.ContextItem, 0, len(focus))
	for _, tag := range focus {
		out = append(out, state.ContextItem{
			Role:      "focus",
			Source:    state.SourceFocusAreas,
			Content:   "Current focus: " + tag,
			Relevance: 0.8,
			Metadata:  map[string]string{"focusArea": tag},
		})
	}
	return out
}

// toolResultContext keeps only the most recent successful result per
// distinct tool, newest tools first, capped at maxToolResults.
func (m *Manager) toolResultContext(history []state.Turn) []state.ContextItem {
	var out []state.ContextItem
	seen := map[string]struct{}{}
	for i := len(history) - 1; i >= 0 && len(out) < m.maxToolResults; i-- {
		t := history[i]
		if t.Role != state.RoleTool || t.ToolName == "" || t.ToolFailed() {
			continue
		}
		if _, ok := seen[t.ToolName]; ok {
			continue
		}
		seen[t.ToolName] = struct{}{}
		out = append(out, state.ContextItem{
			Role:      "tool",
			Source:    state.SourceToolResults,
			Content:   fmt.Sprintf("%s: %s", t.ToolName, truncateContent(t.Content, m.toolResultPreview)),
			Relevance: 0.6,
			Metadata:  map[string]string{"toolName": t.ToolName},
		})
	}
	return out
}

// inferredPreferences derives user-preference items from user turns:
// preferred response length, the most frequently mentioned tool and the
// communication style. Needs at least two user turns to say anything.
func (m *Manager) inferredPreferences(history []state.Turn) []state.ContextItem {
	var userTurns []string
	for _, t := range history {
		if t.Role == state.RoleUser {
			userTurns = append(userTurns, t.Content)
		}
	}
	if len(userTurns) < 2 {
		return nil
	}

	var out []state.ContextItem
	add := func(prefType, content string) {
		if len(out) >= m.maxPreferences {
			return
		}
		out = append(out, state.ContextItem{
			Role:      "memory",
			Source:    state.SourceUserPreferences,
			Content:   content,
			Relevance: 0.7,
			Metadata:  map[string]string{"preferenceType": prefType},
		})
	}

	total := 0
	for _, content := range userTurns {
		total += len(content)
	}
	avg := total / len(userTurns)
	if avg > 100 {
		add("response_length", "User prefers detailed responses")
	} else if avg < 50 {
		add("response_length", "User prefers concise responses")
	}

	if tool := mostMentionedTool(userTurns); tool != "" {
		add("frequent_tool", "User frequently works with "+tool)
	}

	formal, casual := 0, 0
	for _, content := range userTurns {
		lc := strings.ToLower(content)
		for _, marker := range formalMarkers {
			formal += strings.Count(lc, marker)
		}
		for _, marker := range casualMarkers {
			casual += strings.Count(lc, marker)
		}
	}
	if formal > casual {
		add("communication_style", "User prefers formal communication")
	} else if casual > formal {
		add("communication_style", "User prefers casual communication")
	}

	return out
}

func mostMentionedTool(contents []string) string {
	counts := map[string]int{}
	for _, content := range contents {
		for _, m := range toolNameRegex.FindAllStringSubmatch(content, -1) {
			counts[strings.ToLower(m[1])]++
		}
	}
	best := ""
	bestCount := 0
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if counts[name] > bestCount {
			best = name
			bestCount = counts[name]
		}
	}
	return best
}

// dedupeByContentPrefix keeps the first (highest-scored) occurrence of
// each content prefix.
func dedupeByContentPrefix(items []state.ContextItem, prefixLen int) []state.ContextItem {
	seen := map[string]struct{}{}
	out := make([]state.ContextItem, 0, len(items))
	for _, item := range items {
		key := item.Content
		if len(key) > prefixLen {
			key = key[:prefixLen]
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}
