package optimizer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dotsetgreg/turnstate/pkg/state"
)

func buildBusyState(turns int) *state.ConversationState {
	st := state.New(state.DefaultLimits())
	st.UserInput = "create a note about the budget meeting"
	st.Focus = []string{"work", "create"}
	for i := 0; i < turns; i++ {
		switch i % 4 {
		case 0:
			st.AppendTurn(state.Turn{Role: state.RoleUser, Content: fmt.Sprintf("user message %d about the budget", i)})
		case 1:
			st.AppendTurn(state.Turn{Role: state.RoleAssistant, Content: fmt.Sprintf("assistant reply %d with details", i)})
		case 2:
			st.AppendTurn(state.Turn{Role: state.RoleTool, ToolName: "create_note", Content: "Error: validation failed"})
		default:
			st.AppendTurn(state.Turn{Role: state.RoleTool, ToolName: "create_note", Content: fmt.Sprintf("Success: note %d created", i)})
		}
	}
	return st
}

func TestOptimizeLeavesCallerStateUntouched(t *testing.T) {
	m := NewManager()
	st := buildBusyState(16)
	before := st.Clone()

	_, _, err := m.Optimize(st)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if len(st.ConversationHistory) != len(before.ConversationHistory) {
		t.Fatalf("live state history mutated: %d -> %d",
			len(before.ConversationHistory), len(st.ConversationHistory))
	}
	if len(st.MemoryContext) != len(before.MemoryContext) {
		t.Fatalf("live state context mutated")
	}
}

func TestOptimizeReportRoundTrip(t *testing.T) {
	m := NewManager()
	for _, turns := range []int{0, 3, 12, 40} {
		st := buildBusyState(turns)
		optimized, report, err := m.Optimize(st)
		if err != nil {
			t.Fatalf("optimize(%d turns): %v", turns, err)
		}
		if report.OptimizedConversationLength != len(optimized.ConversationHistory) {
			t.Fatalf("%d turns: report says %d, state has %d",
				turns, report.OptimizedConversationLength, len(optimized.ConversationHistory))
		}
		if report.OriginalConversationLength != turns {
			t.Fatalf("original length %d, want %d", report.OriginalConversationLength, turns)
		}
		if len(optimized.ConversationHistory) > report.OriginalConversationLength && turns > 0 {
			t.Fatalf("optimization grew the history")
		}
	}
}

func TestOptimizeStageOrder(t *testing.T) {
	m := NewManager()
	_, report, err := m.Optimize(buildBusyState(30))
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	want := []string{
		StageCompressHistory,
		StageOptimizeContext,
		StageErrorAnalysis,
		StageSummarizeHistory,
		StageApplyLimits,
		StageRecordOptimization,
	}
	if len(report.StepsApplied) != len(want) {
		t.Fatalf("steps = %v, want %v", report.StepsApplied, want)
	}
	for i := range want {
		if report.StepsApplied[i] != want[i] {
			t.Fatalf("stage %d = %s, want %s", i, report.StepsApplied[i], want[i])
		}
	}
}

func TestOptimizeSkipsSummarizationBelowThreshold(t *testing.T) {
	m := NewManager()
	_, report, err := m.Optimize(buildBusyState(6))
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	for _, step := range report.StepsApplied {
		if step == StageSummarizeHistory {
			t.Fatalf("summarization ran below the 80%% threshold: %v", report.StepsApplied)
		}
	}
}

func TestSummarizationCollapsesOlderTurns(t *testing.T) {
	limits := state.DefaultLimits()
	limits.MaxConversationHistorySize = 20
	limits.ContextWindowSize = 5
	st := state.New(limits)
	st.UserInput = "wrap up"
	ok := true
	for i := 0; i < 18; i++ {
		st.AppendTurn(state.Turn{Role: state.RoleUser, Content: fmt.Sprintf("distinct user message number %d", i)})
	}
	st.AppendTurn(state.Turn{Role: state.RoleTool, ToolName: "search", Content: "found it", ToolOK: &ok})

	m := NewManager()
	optimized, _, err := m.Optimize(st)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}

	if optimized.ConversationHistory[0].Role != state.RoleSystem {
		t.Fatalf("expected synthetic summary turn first, got %+v", optimized.ConversationHistory[0])
	}
	summary := optimized.ConversationHistory[0].Content
	if !strings.Contains(summary, "user messages") {
		t.Fatalf("summary missing message counts: %q", summary)
	}
	if len(optimized.ConversationHistory) != limits.ContextWindowSize+1 {
		t.Fatalf("expected summary + %d recent turns, got %d",
			limits.ContextWindowSize, len(optimized.ConversationHistory))
	}
}

func TestOptimizeRecordsOptimizationEvent(t *testing.T) {
	m := NewManager()
	optimized, report, err := m.Optimize(buildBusyState(14))
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	last := optimized.MemoryContext[len(optimized.MemoryContext)-1]
	if last.Source != state.SourceStateOptimization || last.Role != state.RoleSystem {
		t.Fatalf("missing optimization event item: %+v", last)
	}
	if !strings.Contains(last.Content, "State optimization applied:") {
		t.Fatalf("unexpected event content %q", last.Content)
	}
	wantLen := fmt.Sprintf("%d", report.OptimizedConversationLength)
	if last.Metadata["optimized_conversation_length"] != wantLen {
		t.Fatalf("event metadata out of sync: %v", last.Metadata)
	}
}

func TestOptimizeErrorReport(t *testing.T) {
	st := state.New(state.DefaultLimits())
	st.UserInput = "why does this keep failing"
	for i := 0; i < 6; i++ {
		st.AppendTurn(state.Turn{Role: state.RoleTool, ToolName: "create_note",
			Content: "Error: validation failed"})
	}
	for i := 0; i < 6; i++ {
		st.AppendTurn(state.Turn{Role: state.RoleUser, Content: fmt.Sprintf("retry %d", i)})
	}

	m := NewManager()
	_, report, err := m.Optimize(st)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	// Identical validation failures dedupe to one before analysis runs.
	if report.ErrorAnalysis.TotalErrors != 1 {
		t.Fatalf("error analysis ran before compression? %+v", report.ErrorAnalysis)
	}
	if report.CompressionStats.OriginalLength != 12 {
		t.Fatalf("compression stats = %+v", report.CompressionStats)
	}
}
