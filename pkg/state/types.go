package state

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Context item sources.
const (
	SourceLTM               = "ltm"
	SourceRAG               = "rag"
	SourceConversation      = "conversation_history"
	SourceFocusAreas        = "focus_areas"
	SourceToolResults       = "tool_results"
	SourceUserPreferences   = "user_preferences"
	SourceStateOptimization = "state_optimization"
)

// Turn is one conversation-history entry.
type Turn struct {
	Role      string
	Content   string
	ToolName  string
	ToolOK    *bool
	Timestamp time.Time
	Metadata  map[string]string
}

// ToolFailed reports whether a tool turn recorded a failure. When the caller
// did not set ToolOK the outcome is derived from the result text, which is
// how compression keys tool results as well.
func (t Turn) ToolFailed() bool {
	if t.Role != RoleTool {
		return false
	}
	if t.ToolOK != nil {
		return !*t.ToolOK
	}
	return ContentIsError(t.Content)
}

// ContextItem is one injected context entry. Role drives scoring relevance,
// Source identifies the producing collaborator.
type ContextItem struct {
	Role      string
	Source    string
	Content   string
	Relevance float64
	Timestamp time.Time
	Metadata  map[string]string
}

// Limits bounds the mutable collections of a ConversationState.
type Limits struct {
	MaxMemoryContextSize       int  `json:"max_memory_context_size"`
	MaxConversationHistorySize int  `json:"max_conversation_history_size"`
	MaxHistorySize             int  `json:"max_history_size"`
	ContextWindowSize          int  `json:"context_window_size"`
	EnableSmartPruning         bool `json:"enable_smart_pruning"`
}

// DefaultLimits returns the standard size bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxMemoryContextSize:       20,
		MaxConversationHistorySize: 20,
		MaxHistorySize:             20,
		ContextWindowSize:          10,
		EnableSmartPruning:         true,
	}
}

func (l Limits) normalized() Limits {
	if l.MaxMemoryContextSize <= 0 {
		l.MaxMemoryContextSize = 20
	}
	if l.MaxConversationHistorySize <= 0 {
		l.MaxConversationHistorySize = 20
	}
	if l.MaxHistorySize <= 0 {
		l.MaxHistorySize = 20
	}
	if l.ContextWindowSize <= 0 {
		l.ContextWindowSize = 10
	}
	return l
}

// Tagger suggests focus tags for raw user input. External implementations
// may call out of process; KeywordTagger is the in-package fallback.
type Tagger interface {
	SuggestTags(input string) ([]string, error)
}
