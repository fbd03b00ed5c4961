package state

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestAppendDefersPruning(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxConversationHistorySize = 3
	s := New(limits)

	for i := 0; i < 5; i++ {
		s.AppendTurn(Turn{Role: RoleUser, Content: fmt.Sprintf("message %d", i)})
	}
	if len(s.ConversationHistory) != 5 {
		t.Fatalf("append must not prune eagerly, got %d turns", len(s.ConversationHistory))
	}
	if !s.NeedsPruning() {
		t.Fatalf("expected dirty flag after exceeding the bound")
	}

	s.ApplyLimits()
	if len(s.ConversationHistory) != 3 {
		t.Fatalf("expected 3 turns after ApplyLimits, got %d", len(s.ConversationHistory))
	}
	if s.ConversationHistory[0].Content != "message 2" {
		t.Fatalf("history pruning must drop oldest first, got %q", s.ConversationHistory[0].Content)
	}
}

func TestApplyLimitsIdempotent(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMemoryContextSize = 2
	limits.MaxConversationHistorySize = 2
	s := New(limits)
	for i := 0; i < 4; i++ {
		s.AppendTurn(Turn{Role: RoleUser, Content: fmt.Sprintf("turn %d", i)})
		s.AppendContextItem(ContextItem{Role: "user", Content: fmt.Sprintf("item %d", i)})
	}

	s.ApplyLimits()
	first := s.Clone()
	s.ApplyLimits()

	if !reflect.DeepEqual(first.ConversationHistory, s.ConversationHistory) {
		t.Fatalf("second ApplyLimits changed history")
	}
	if !reflect.DeepEqual(first.MemoryContext, s.MemoryContext) {
		t.Fatalf("second ApplyLimits changed memory context")
	}
}

func TestBoundInvariant(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMemoryContextSize = 5
	limits.MaxConversationHistorySize = 5
	s := New(limits)
	for i := 0; i < 37; i++ {
		s.AppendTurn(Turn{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)})
		s.AppendContextItem(ContextItem{Role: "memory", Content: fmt.Sprintf("c%d", i)})
		s.ApplyLimits()
		if len(s.ConversationHistory) > limits.MaxConversationHistorySize {
			t.Fatalf("history over bound at step %d: %d", i, len(s.ConversationHistory))
		}
		if len(s.MemoryContext) > limits.MaxMemoryContextSize {
			t.Fatalf("memory context over bound at step %d: %d", i, len(s.MemoryContext))
		}
	}
}

func TestSmartPruningFixture(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMemoryContextSize = 2
	s := New(limits)
	s.UserInput = "unrelated query"

	s.AppendContextItem(ContextItem{Role: "system", Content: "system note"})
	s.AppendContextItem(ContextItem{Role: "user", Content: "user statement"})
	s.AppendContextItem(ContextItem{Role: "tool", Content: "tool output"})
	s.ApplyLimits()

	if len(s.MemoryContext) != 2 {
		t.Fatalf("expected 2 retained items, got %d", len(s.MemoryContext))
	}
	got := []string{s.MemoryContext[0].Role, s.MemoryContext[1].Role}
	want := []string{"user", "tool"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("smart pruning retained %v, want %v", got, want)
	}
}

func TestScoreContextItemWeights(t *testing.T) {
	s := New(DefaultLimits())
	s.UserInput = "note about cats"

	// Newest position, user role, no substring match: 0.7*1.0 + 0.3*1.0
	score := s.ScoreContextItem(ContextItem{Role: "user", Content: "something else"}, 0)
	if score != 1.0 {
		t.Fatalf("newest user item score = %v, want 1.0", score)
	}

	// Substring bonus caps type relevance at 1.0.
	withBonus := s.ScoreContextItem(ContextItem{Role: "rag", Content: "a note about cats indeed"}, 1)
	withoutBonus := s.ScoreContextItem(ContextItem{Role: "rag", Content: "dogs"}, 1)
	if withBonus <= withoutBonus {
		t.Fatalf("input-match bonus missing: %v <= %v", withBonus, withoutBonus)
	}
	capped := s.ScoreContextItem(ContextItem{Role: "user", Content: "note about cats"}, 0)
	if capped > 1.0 {
		t.Fatalf("score above cap: %v", capped)
	}
}

func TestSimplePruningFIFO(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxMemoryContextSize = 2
	limits.EnableSmartPruning = false
	s := New(limits)
	s.AppendContextItem(ContextItem{Role: "user", Content: "oldest"})
	s.AppendContextItem(ContextItem{Role: "user", Content: "middle"})
	s.AppendContextItem(ContextItem{Role: "user", Content: "newest"})
	s.ApplyLimits()

	if len(s.MemoryContext) != 2 || s.MemoryContext[0].Content != "middle" {
		t.Fatalf("simple pruning must drop oldest, got %+v", s.MemoryContext)
	}
}

func TestResetForNewMessageValidatesInput(t *testing.T) {
	s := New(DefaultLimits())
	if err := s.ResetForNewMessage("   "); err == nil {
		t.Fatalf("expected error for blank input")
	}
}

func TestResetForNewMessageRecomputesFocus(t *testing.T) {
	s := New(DefaultLimits())
	s.StepCount = 7
	s.LastToolResult = "stale"

	if err := s.ResetForNewMessage("please create a meeting and email Bob"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.StepCount != 0 || s.LastToolResult != nil {
		t.Fatalf("per-message counters not reset: %d %v", s.StepCount, s.LastToolResult)
	}
	want := []string{"email", "meeting", "create"}
	if !reflect.DeepEqual(s.Focus, want) {
		t.Fatalf("focus = %v, want %v", s.Focus, want)
	}
}

type failingTagger struct{}

func (failingTagger) SuggestTags(string) ([]string, error) {
	return nil, errors.New("tagging service unavailable")
}

type fixedTagger struct{ tags []string }

func (f fixedTagger) SuggestTags(string) ([]string, error) { return f.tags, nil }

func TestResetRollsBackFocusOnTaggerFailure(t *testing.T) {
	s := New(DefaultLimits())
	s.Focus = []string{"work"}
	s.UseTagger(failingTagger{})

	err := s.ResetForNewMessage("anything at all")
	if err == nil {
		t.Fatalf("tagger failure must surface to the caller")
	}
	if !reflect.DeepEqual(s.Focus, []string{"work"}) {
		t.Fatalf("focus not rolled back: %v", s.Focus)
	}
}

func TestResetEmptyTaggerResultFallsBack(t *testing.T) {
	s := New(DefaultLimits())
	s.UseTagger(fixedTagger{})

	if err := s.ResetForNewMessage("random chatter"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !reflect.DeepEqual(s.Focus, []string{"general"}) {
		t.Fatalf("empty tagger result must fall back to keyword tags, got %v", s.Focus)
	}
}

func TestKeywordTags(t *testing.T) {
	cases := []struct {
		input string
		want  []string
	}{
		{"check my gmail inbox", []string{"email"}},
		{"urgent: delete the calendar appointment", []string{"meeting", "important", "delete", "schedule"}},
		{"hello there", []string{"general"}},
		{"add urgent work mail call about family", []string{"email", "meeting", "work", "personal", "important"}},
	}
	for _, tc := range cases {
		got := KeywordTags(tc.input)
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("KeywordTags(%q) = %v, want %v", tc.input, got, tc.want)
		}
		if len(got) > 5 {
			t.Fatalf("tag cap exceeded for %q", tc.input)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := New(DefaultLimits())
	ok := true
	s.AppendTurn(Turn{Role: RoleTool, Content: "result", ToolName: "search_tool", ToolOK: &ok,
		Metadata: map[string]string{"k": "v"}})
	s.AppendContextItem(ContextItem{Role: "memory", Content: "fact", Metadata: map[string]string{"a": "b"}})
	s.Focus = []string{"work"}

	c := s.Clone()
	c.ConversationHistory[0].Content = "changed"
	c.ConversationHistory[0].Metadata["k"] = "changed"
	*c.ConversationHistory[0].ToolOK = false
	c.MemoryContext[0].Metadata["a"] = "changed"
	c.Focus[0] = "changed"

	if s.ConversationHistory[0].Content != "result" ||
		s.ConversationHistory[0].Metadata["k"] != "v" ||
		!*s.ConversationHistory[0].ToolOK ||
		s.MemoryContext[0].Metadata["a"] != "b" ||
		s.Focus[0] != "work" {
		t.Fatalf("clone aliased nested state: %+v", s)
	}
}

func TestToolFailed(t *testing.T) {
	fail := false
	cases := []struct {
		turn Turn
		want bool
	}{
		{Turn{Role: RoleTool, Content: "Error: validation failed", ToolName: "create_note"}, true},
		{Turn{Role: RoleTool, Content: "Success: note created", ToolName: "create_note"}, false},
		{Turn{Role: RoleTool, Content: "done", ToolOK: &fail}, true},
		{Turn{Role: RoleUser, Content: "error in my ways"}, false},
	}
	for i, tc := range cases {
		if got := tc.turn.ToolFailed(); got != tc.want {
			t.Fatalf("case %d: ToolFailed = %v, want %v", i, got, tc.want)
		}
	}
}
