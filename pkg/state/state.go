package state

import (
	"fmt"
	"strings"
)

// ConversationState is the mutable working memory for one conversation.
// It is owned by a single in-flight turn; callers serialize access per
// conversation ID.
//
// Appends never prune. Exceeding a bound only marks the collection dirty;
// the bounded view is produced when ApplyLimits runs. High-frequency tool
// use would otherwise pay a rescoring pass on every append.
type ConversationState struct {
	UserInput           string
	MemoryContext       []ContextItem
	ConversationHistory []Turn
	Focus               []string
	StepCount           int
	LastToolResult      any
	Limits              Limits

	tagger Tagger

	memoryContextDirty       bool
	conversationHistoryDirty bool
}

// New creates an empty conversation state with the given limits.
func New(limits Limits) *ConversationState {
	return &ConversationState{Limits: limits.normalized()}
}

// UseTagger installs an external focus-tag collaborator. Without one,
// ResetForNewMessage falls back to keyword tagging.
func (s *ConversationState) UseTagger(t Tagger) {
	s.tagger = t
}

// AppendTurn appends to the conversation history, deferring any pruning.
func (s *ConversationState) AppendTurn(t Turn) {
	s.ConversationHistory = append(s.ConversationHistory, t)
	if len(s.ConversationHistory) > s.Limits.MaxConversationHistorySize {
		s.conversationHistoryDirty = true
	}
}

// AppendContextItem appends to the memory context, deferring any pruning.
func (s *ConversationState) AppendContextItem(item ContextItem) {
	s.MemoryContext = append(s.MemoryContext, item)
	if len(s.MemoryContext) > s.Limits.MaxMemoryContextSize {
		s.memoryContextDirty = true
	}
}

// SetMemoryContext replaces the memory context wholesale and marks it
// dirty when the replacement exceeds the bound.
func (s *ConversationState) SetMemoryContext(items []ContextItem) {
	s.MemoryContext = items
	s.memoryContextDirty = len(items) > s.Limits.MaxMemoryContextSize
}

// SetConversationHistory replaces the history wholesale, same dirty rule.
func (s *ConversationState) SetConversationHistory(turns []Turn) {
	s.ConversationHistory = turns
	s.conversationHistoryDirty = len(turns) > s.Limits.MaxConversationHistorySize
}

// NeedsPruning reports whether either collection is over its bound.
func (s *ConversationState) NeedsPruning() bool {
	return s.memoryContextDirty || s.conversationHistoryDirty
}

// ApplyLimits enforces the configured bounds. Idempotent: with no
// intervening append the second call is a no-op. Must run before any read
// that requires the bounded view (serialization, prompt injection) and
// before persistence.
func (s *ConversationState) ApplyLimits() {
	if s.memoryContextDirty {
		s.MemoryContext = s.pruneMemoryContext(s.MemoryContext, s.Limits.MaxMemoryContextSize)
		s.memoryContextDirty = false
	}
	if s.conversationHistoryDirty {
		// History pruning is always chronological FIFO: summarization, not
		// scoring, is the mechanism for preserving old information there.
		if excess := len(s.ConversationHistory) - s.Limits.MaxConversationHistorySize; excess > 0 {
			s.ConversationHistory = append([]Turn(nil), s.ConversationHistory[excess:]...)
		}
		s.conversationHistoryDirty = false
	}
}

// ResetForNewMessage starts a new user message: validates the input,
// resets the per-message counters and recomputes focus. A focus
// recomputation failure rolls Focus back to its prior value and is
// returned to the caller; silently accepting it would corrupt focus
// inference downstream.
func (s *ConversationState) ResetForNewMessage(input string) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("reset conversation: user input is empty")
	}

	prevFocus := s.Focus
	s.UserInput = input
	s.StepCount = 0
	s.LastToolResult = nil

	tags, err := s.suggestFocus(input)
	if err != nil {
		s.Focus = prevFocus
		return fmt.Errorf("recompute focus: %w", err)
	}
	s.Focus = tags
	return nil
}

func (s *ConversationState) suggestFocus(input string) ([]string, error) {
	if s.tagger != nil {
		tags, err := s.tagger.SuggestTags(input)
		if err != nil {
			return nil, err
		}
		if len(tags) > 0 {
			return capTags(dedupeTags(tags), maxFocusTags), nil
		}
	}
	return KeywordTags(input), nil
}

// RecordToolResult appends a tool turn and tracks the step counter.
func (s *ConversationState) RecordToolResult(toolName, content string, ok bool) {
	okCopy := ok
	s.AppendTurn(Turn{Role: RoleTool, Content: content, ToolName: toolName, ToolOK: &okCopy})
	s.StepCount++
	s.LastToolResult = content
}

// Clone returns an independent deep copy. Nested collections are copied,
// never aliased; LastToolResult is opaque and copied by reference.
func (s *ConversationState) Clone() *ConversationState {
	out := &ConversationState{
		UserInput:                s.UserInput,
		StepCount:                s.StepCount,
		LastToolResult:           s.LastToolResult,
		Limits:                   s.Limits,
		tagger:                   s.tagger,
		memoryContextDirty:       s.memoryContextDirty,
		conversationHistoryDirty: s.conversationHistoryDirty,
	}
	if s.Focus != nil {
		out.Focus = append([]string(nil), s.Focus...)
	}
	if s.MemoryContext != nil {
		out.MemoryContext = make([]ContextItem, len(s.MemoryContext))
		for i, item := range s.MemoryContext {
			out.MemoryContext[i] = cloneContextItem(item)
		}
	}
	if s.ConversationHistory != nil {
		out.ConversationHistory = make([]Turn, len(s.ConversationHistory))
		for i, t := range s.ConversationHistory {
			out.ConversationHistory[i] = cloneTurn(t)
		}
	}
	return out
}

func cloneContextItem(item ContextItem) ContextItem {
	if item.Metadata != nil {
		meta := make(map[string]string, len(item.Metadata))
		for k, v := range item.Metadata {
			meta[k] = v
		}
		item.Metadata = meta
	}
	return item
}

func cloneTurn(t Turn) Turn {
	if t.ToolOK != nil {
		ok := *t.ToolOK
		t.ToolOK = &ok
	}
	if t.Metadata != nil {
		meta := make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			meta[k] = v
		}
		t.Metadata = meta
	}
	return t
}

// ContentIsError reports whether tool output text reads as a failure.
func ContentIsError(content string) bool {
	lc := strings.ToLower(content)
	return strings.Contains(lc, "error") ||
		strings.Contains(lc, "exception") ||
		strings.Contains(lc, "traceback")
}
