package contextopt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dotsetgreg/turnstate/pkg/state"
)

func TestRelevantHistorySelection(t *testing.T) {
	m := NewManager()
	history := []state.Turn{
		{Role: state.RoleUser, Content: "let's talk about quarterly budget planning"},
		{Role: state.RoleAssistant, Content: "the weather is nice today"},
		{Role: state.RoleUser, Content: "budget planning for the quarter"},
	}
	items := m.relevantHistory(history, "quarterly budget planning")
	if len(items) != 2 {
		t.Fatalf("expected 2 relevant turns, got %d: %+v", len(items), items)
	}
	// Full-substring match outranks partial overlap.
	if !strings.Contains(items[0].Content, "let's talk about") {
		t.Fatalf("substring-boosted turn should rank first, got %q", items[0].Content)
	}
	for _, item := range items {
		if item.Source != state.SourceConversation {
			t.Fatalf("wrong source %q", item.Source)
		}
		if item.Relevance <= 0.3 || item.Relevance > 1.0 {
			t.Fatalf("relevance out of range: %v", item.Relevance)
		}
	}
}

func TestRelevantHistoryCap(t *testing.T) {
	m := NewManager()
	var history []state.Turn
	for i := 0; i < 25; i++ {
		history = append(history, state.Turn{
			Role:    state.RoleUser,
			Content: fmt.Sprintf("budget planning item %d", i),
		})
	}
	items := m.relevantHistory(history, "budget planning")
	if len(items) != 10 {
		t.Fatalf("relevant history cap = 10, got %d", len(items))
	}
}

func TestFocusContext(t *testing.T) {
	m := NewManager()
	items := m.focusContext([]string{"work", "email"})
	if len(items) != 2 {
		t.Fatalf("expected one item per focus tag, got %d", len(items))
	}
	if items[0].Content != "Current focus: work" || items[0].Relevance != 0.8 {
		t.Fatalf("unexpected focus item %+v", items[0])
	}
	if items[1].Metadata["focusArea"] != "email" {
		t.Fatalf("focus metadata missing: %+v", items[1])
	}
}

func TestToolResultContextLatestSuccessPerTool(t *testing.T) {
	m := NewManager()
	history := []state.Turn{
		{Role: state.RoleTool, ToolName: "search", Content: "old search result"},
		{Role: state.RoleTool, ToolName: "search", Content: "Error: timeout"},
		{Role: state.RoleTool, ToolName: "search", Content: "fresh search result"},
		{Role: state.RoleTool, ToolName: "notes", Content: "note saved"},
	}
	items := m.toolResultContext(history)
	if len(items) != 2 {
		t.Fatalf("expected 2 distinct tools, got %d", len(items))
	}
	// Newest tools first; errors never surface.
	if !strings.Contains(items[0].Content, "note saved") {
		t.Fatalf("expected newest tool first, got %q", items[0].Content)
	}
	if !strings.Contains(items[1].Content, "fresh search result") {
		t.Fatalf("expected latest success, got %q", items[1].Content)
	}
	if items[1].Metadata["toolName"] != "search" {
		t.Fatalf("tool metadata missing: %+v", items[1])
	}
}

func TestToolResultContextCapAndTruncation(t *testing.T) {
	m := NewManager()
	long := strings.Repeat("x", 300)
	var history []state.Turn
	for i := 0; i < 8; i++ {
		history = append(history, state.Turn{
			Role: state.RoleTool, ToolName: fmt.Sprintf("tool%d", i), Content: long,
		})
	}
	items := m.toolResultContext(history)
	if len(items) != 5 {
		t.Fatalf("tool cap = 5, got %d", len(items))
	}
	for _, item := range items {
		if len(item.Content) > 120 {
			t.Fatalf("content not truncated: %d chars", len(item.Content))
		}
	}
}

func TestPreferenceInferenceNeedsTwoUserTurns(t *testing.T) {
	m := NewManager()
	if items := m.inferredPreferences([]state.Turn{{Role: state.RoleUser, Content: "hello"}}); items != nil {
		t.Fatalf("one user turn must not infer preferences: %+v", items)
	}
}

func TestPreferenceInference(t *testing.T) {
	m := NewManager()
	long := strings.Repeat("words and more words ", 10)
	history := []state.Turn{
		{Role: state.RoleUser, Content: "please use create_note_tool, thank you " + long},
		{Role: state.RoleUser, Content: "could you run create_note_tool again please " + long},
		{Role: state.RoleAssistant, Content: "hey cool awesome"},
	}
	items := m.inferredPreferences(history)
	if len(items) != 3 {
		t.Fatalf("expected 3 preference items, got %d: %+v", len(items), items)
	}
	byType := map[string]string{}
	for _, item := range items {
		if item.Relevance != 0.7 || item.Source != state.SourceUserPreferences {
			t.Fatalf("unexpected preference item %+v", item)
		}
		byType[item.Metadata["preferenceType"]] = item.Content
	}
	if byType["response_length"] != "User prefers detailed responses" {
		t.Fatalf("length preference: %v", byType)
	}
	if !strings.Contains(byType["frequent_tool"], "create_note") {
		t.Fatalf("tool preference: %v", byType)
	}
	if byType["communication_style"] != "User prefers formal communication" {
		t.Fatalf("style preference: %v", byType)
	}
}

func TestPreferenceInferenceConcise(t *testing.T) {
	m := NewManager()
	history := []state.Turn{
		{Role: state.RoleUser, Content: "hey do it"},
		{Role: state.RoleUser, Content: "cool thanks"},
	}
	items := m.inferredPreferences(history)
	byType := map[string]string{}
	for _, item := range items {
		byType[item.Metadata["preferenceType"]] = item.Content
	}
	if byType["response_length"] != "User prefers concise responses" {
		t.Fatalf("length preference: %v", byType)
	}
	if byType["communication_style"] != "User prefers casual communication" {
		t.Fatalf("style preference: %v", byType)
	}
}

func TestOptimizeMemoryContextMergeDedupeCap(t *testing.T) {
	m := NewManager()
	limits := state.DefaultLimits()
	limits.MaxMemoryContextSize = 4
	st := state.New(limits)
	st.Focus = []string{"work", "email"}
	st.AppendTurn(state.Turn{Role: state.RoleUser, Content: "summarize the budget meeting notes"})
	st.AppendTurn(state.Turn{Role: state.RoleUser, Content: "summarize the budget meeting notes"})
	st.AppendTurn(state.Turn{Role: state.RoleTool, ToolName: "notes", Content: "meeting notes fetched"})

	items := m.OptimizeMemoryContext(st, "summarize the budget meeting notes")
	if len(items) > 4 {
		t.Fatalf("cap exceeded: %d", len(items))
	}
	seen := map[string]int{}
	for _, item := range items {
		seen[item.Content]++
	}
	for content, n := range seen {
		if n > 1 {
			t.Fatalf("duplicate content survived merge: %q", content)
		}
	}
	for i := 1; i < len(items); i++ {
		if items[i].Relevance > items[i-1].Relevance {
			t.Fatalf("merge not sorted by score: %v", items)
		}
	}
}

func TestOptimizeMemoryContextDoesNotMutateState(t *testing.T) {
	m := NewManager()
	st := state.New(state.DefaultLimits())
	st.Focus = []string{"work"}
	st.AppendTurn(state.Turn{Role: state.RoleUser, Content: "first message about work"})
	st.AppendContextItem(state.ContextItem{Role: "memory", Content: "existing"})
	before := st.Clone()

	_ = m.OptimizeMemoryContext(st, "work")

	if len(st.MemoryContext) != len(before.MemoryContext) ||
		len(st.ConversationHistory) != len(before.ConversationHistory) {
		t.Fatalf("OptimizeMemoryContext mutated the state")
	}
}
