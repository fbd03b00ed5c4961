// Package optimizer runs the fixed state-optimization pipeline before a
// conversation is persisted: compress history, rebuild memory context,
// report error patterns, summarize when the history nears its bound, then
// enforce hard limits.
package optimizer

import (
	"fmt"

	"github.com/dotsetgreg/turnstate/pkg/compress"
	"github.com/dotsetgreg/turnstate/pkg/contextopt"
	"github.com/dotsetgreg/turnstate/pkg/errclass"
	"github.com/dotsetgreg/turnstate/pkg/logger"
	"github.com/dotsetgreg/turnstate/pkg/state"
)

// Pipeline stage names, in execution order, as recorded in reports.
const (
	StageCompressHistory    = "compress_history"
	StageOptimizeContext    = "optimize_context"
	StageErrorAnalysis      = "error_analysis"
	StageSummarizeHistory   = "summarize_history"
	StageApplyLimits        = "apply_limits"
	StageRecordOptimization = "record_optimization"
)

// ContextStats reports the memory-context rebuild.
type ContextStats struct {
	OriginalItems  int     `json:"original_items"`
	OptimizedItems int     `json:"optimized_items"`
	MeanRelevance  float64 `json:"mean_relevance"`
}

// Report is the quantitative before/after account of one optimization.
type Report struct {
	OriginalConversationLength  int                    `json:"original_conversation_length"`
	OptimizedConversationLength int                    `json:"optimized_conversation_length"`
	OriginalContextLength       int                    `json:"original_context_length"`
	OptimizedContextLength      int                    `json:"optimized_context_length"`
	CompressionStats            compress.Stats         `json:"compression_stats"`
	ContextStats                ContextStats           `json:"context_stats"`
	ErrorAnalysis               errclass.PatternReport `json:"error_analysis"`
	StepsApplied                []string               `json:"steps_applied"`
	OverallReductionPercent     float64                `json:"overall_reduction_percent"`
	MemoryReductionPercent      float64                `json:"memory_reduction_percent"`
}

// Manager orchestrates the optimization stages. One Manager per service
// instance, passed down explicitly; it is stateless and safe for
// concurrent use across conversations.
type Manager struct {
	compressor *compress.Compressor
	contexts   *contextopt.Manager
	analyzer   *errclass.Analyzer
}

// NewManager wires the standard pipeline.
func NewManager() *Manager {
	analyzer := errclass.NewAnalyzer()
	return &Manager{
		compressor: compress.NewCompressor(analyzer),
		contexts:   contextopt.NewManager(),
		analyzer:   analyzer,
	}
}

// Optimize runs the pipeline over a deep copy of st and returns the
// optimized state with its report. The caller's state is never touched,
// so on error the caller persists the original; the conversation must
// never fail to save because optimization failed.
func (m *Manager) Optimize(st *state.ConversationState) (optimized *state.ConversationState, report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("optimizer", "Optimization pipeline panicked", map[string]interface{}{
				"panic": fmt.Sprintf("%v", r),
			})
			optimized = nil
			err = fmt.Errorf("optimize state: %v", r)
		}
	}()

	work := st.Clone()
	report.OriginalConversationLength = len(work.ConversationHistory)
	report.OriginalContextLength = len(work.MemoryContext)

	// 1. Compress conversation history.
	compressed, stats := m.compressor.Compress(work.ConversationHistory)
	work.SetConversationHistory(compressed)
	report.CompressionStats = stats
	report.StepsApplied = append(report.StepsApplied, StageCompressHistory)

	// 2. Rebuild memory context from the current conversation.
	items := m.contexts.OptimizeMemoryContext(work, work.UserInput)
	report.ContextStats = ContextStats{
		OriginalItems:  report.OriginalContextLength,
		OptimizedItems: len(items),
		MeanRelevance:  meanRelevance(items),
	}
	work.SetMemoryContext(items)
	report.StepsApplied = append(report.StepsApplied, StageOptimizeContext)

	// 3. Error-pattern report over the compressed history. Reporting only.
	report.ErrorAnalysis = m.analyzer.AnalyzePatterns(work.ConversationHistory)
	report.StepsApplied = append(report.StepsApplied, StageErrorAnalysis)

	// 4. Summarize old history when the bound is in sight.
	if m.summarizeIfNeeded(work) {
		report.StepsApplied = append(report.StepsApplied, StageSummarizeHistory)
	}

	// 5. Final hard-bound enforcement.
	work.ApplyLimits()
	report.StepsApplied = append(report.StepsApplied, StageApplyLimits)

	report.OptimizedConversationLength = len(work.ConversationHistory)
	report.OptimizedContextLength = len(work.MemoryContext)
	report.OverallReductionPercent = reductionPercent(report.OriginalConversationLength, report.OptimizedConversationLength)
	report.MemoryReductionPercent = reductionPercent(report.OriginalContextLength, report.OptimizedContextLength)

	// 6. The optimization event is itself remembered.
	work.AppendContextItem(state.ContextItem{
		Role:    state.RoleSystem,
		Source:  state.SourceStateOptimization,
		Content: fmt.Sprintf("State optimization applied: %.1f%% reduction", report.OverallReductionPercent),
		Metadata: map[string]string{
			"original_conversation_length":  fmt.Sprintf("%d", report.OriginalConversationLength),
			"optimized_conversation_length": fmt.Sprintf("%d", report.OptimizedConversationLength),
			"original_context_length":       fmt.Sprintf("%d", report.OriginalContextLength),
			"optimized_context_length":      fmt.Sprintf("%d", report.OptimizedContextLength),
		},
	})
	report.StepsApplied = append(report.StepsApplied, StageRecordOptimization)

	logger.DebugCF("optimizer", "State optimization complete", map[string]interface{}{
		"overall_reduction": report.OverallReductionPercent,
		"memory_reduction":  report.MemoryReductionPercent,
		"steps":             len(report.StepsApplied),
	})
	return work, report, nil
}

// summarizeIfNeeded collapses everything before the context window into a
// single synthetic system turn once the history exceeds 80% of its bound.
func (m *Manager) summarizeIfNeeded(st *state.ConversationState) bool {
	max := st.Limits.MaxConversationHistorySize
	if float64(len(st.ConversationHistory)) <= 0.8*float64(max) {
		return false
	}
	window := st.Limits.ContextWindowSize
	if len(st.ConversationHistory) <= window {
		return false
	}
	older := st.ConversationHistory[:len(st.ConversationHistory)-window]
	recent := st.ConversationHistory[len(st.ConversationHistory)-window:]

	summary := state.Turn{
		Role:    state.RoleSystem,
		Content: summarizeTurns(older),
	}
	st.SetConversationHistory(append([]state.Turn{summary}, recent...))
	return true
}

func summarizeTurns(turns []state.Turn) string {
	users := 0
	assistants := 0
	attempts := map[string]int{}
	successes := map[string]int{}
	var toolOrder []string

	for _, t := range turns {
		switch t.Role {
		case state.RoleUser:
			users++
		case state.RoleAssistant:
			assistants++
		case state.RoleTool:
			if _, ok := attempts[t.ToolName]; !ok {
				toolOrder = append(toolOrder, t.ToolName)
			}
			attempts[t.ToolName]++
			if !t.ToolFailed() {
				successes[t.ToolName]++
			}
		}
	}

	out := fmt.Sprintf("Conversation summary (%d earlier turns): %d user messages, %d assistant messages.",
		len(turns), users, assistants)
	for _, tool := range toolOrder {
		out += fmt.Sprintf(" %s: %d/%d successful.", tool, successes[tool], attempts[tool])
	}
	return out
}

func meanRelevance(items []state.ContextItem) float64 {
	if len(items) == 0 {
		return 0
	}
	total := 0.0
	for _, item := range items {
		total += item.Relevance
	}
	return total / float64(len(items))
}

func reductionPercent(original, optimized int) float64 {
	if original <= 0 {
		return 0
	}
	return 100 * float64(original-optimized) / float64(original)
}
