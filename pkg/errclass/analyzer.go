// Package errclass classifies tool-execution failures and drives retry
// policy. Classification is keyword-driven and never fails: text that
// matches nothing is a general, medium-severity error.
package errclass

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/turnstate/pkg/state"
)

// Kind buckets a failure by its probable cause.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindPermission Kind = "permission"
	KindConnection Kind = "connection"
	KindRateLimit  Kind = "rate_limit"
	KindAsync      Kind = "async"
	KindGeneral    Kind = "general"
)

// Severity grades a failure for reporting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is the outcome of analyzing one failure message.
type Classification struct {
	Kind            Kind
	Severity        Severity
	IsTransient     bool
	IsConfiguration bool
}

// Ordered: first matching category wins.
var kindKeywords = []struct {
	kind     Kind
	keywords []string
}{
	{KindValidation, []string{"validation", "invalid", "failed validation"}},
	{KindNotFound, []string{"not found", "undefined", "missing"}},
	{KindPermission, []string{"permission", "access denied", "unauthorized"}},
	{KindConnection, []string{"timeout", "connection", "network"}},
	{KindRateLimit, []string{"rate limit", "quota", "throttle"}},
	{KindAsync, []string{"async", "await", "coroutine"}},
}

// Transient and configuration scans are independent of the kind table and
// of each other. They can disagree with Kind (a "network quota exceeded"
// message classifies as rate_limit but is transient via "network");
// unifying the lists would change retry behavior, so both are kept.
var transientKeywords = []string{
	"timeout", "connection", "rate limit", "temporary", "retry", "async", "network",
}

var configurationKeywords = []string{
	"validation", "invalid", "missing", "undefined", "not found", "permission", "access denied",
}

var criticalKeywords = []string{"fatal", "critical", "system"}

// Analyzer classifies failure text and decides retry eligibility.
type Analyzer struct {
	maxRetryAttempts int
	baseDelay        time.Duration
}

// NewAnalyzer returns an analyzer with the standard retry budget.
func NewAnalyzer() *Analyzer {
	return &Analyzer{maxRetryAttempts: 3, baseDelay: time.Second}
}

// MaxRetryAttempts exposes the retry budget for callers that own the loop.
func (a *Analyzer) MaxRetryAttempts() int { return a.maxRetryAttempts }

// Classify maps failure text to a Classification.
func (a *Analyzer) Classify(content string) Classification {
	lc := strings.ToLower(content)

	kind := KindGeneral
	for _, group := range kindKeywords {
		if containsAny(lc, group.keywords) {
			kind = group.kind
			break
		}
	}

	return Classification{
		Kind:            kind,
		Severity:        severityFor(kind, lc),
		IsTransient:     containsAny(lc, transientKeywords),
		IsConfiguration: containsAny(lc, configurationKeywords),
	}
}

func severityFor(kind Kind, lc string) Severity {
	if containsAny(lc, criticalKeywords) {
		return SeverityCritical
	}
	switch kind {
	case KindValidation, KindPermission:
		return SeverityHigh
	case KindRateLimit, KindAsync:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// ShouldRetry decides whether a failed tool call is worth another attempt.
// Configuration errors are never retried: retrying cannot fix bad input or
// missing permissions. Transient errors get the full budget, everything
// else at most two attempts.
func (a *Analyzer) ShouldRetry(toolName, errorContent string, retryCount int) bool {
	if retryCount >= a.maxRetryAttempts {
		return false
	}
	c := a.Classify(errorContent)
	if c.IsConfiguration {
		return false
	}
	if c.IsTransient {
		return true
	}
	return retryCount < 2
}

// RetryDelay returns the backoff before the next attempt. Deterministic;
// callers that sleep add their own jitter.
func (a *Analyzer) RetryDelay(retryCount int, kind Kind) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := a.baseDelay * (1 << uint(retryCount))
	if kind == KindRateLimit {
		delay *= 2
	}
	return delay
}

// PatternReport aggregates failures across a conversation history.
type PatternReport struct {
	TotalErrors     int            `json:"total_errors"`
	ErrorsByTool    map[string]int `json:"errors_by_tool"`
	ErrorsByKind    map[Kind]int   `json:"errors_by_kind"`
	Recommendations []string       `json:"recommendations"`
}

// AnalyzePatterns scans history for failed tool turns and reports repeat
// offenders. Tools with more than three errors get a recommendation
// naming their most frequent error kind.
func (a *Analyzer) AnalyzePatterns(history []state.Turn) PatternReport {
	report := PatternReport{
		ErrorsByTool: map[string]int{},
		ErrorsByKind: map[Kind]int{},
	}
	kindsByTool := map[string]map[Kind]int{}

	for _, t := range history {
		if !t.ToolFailed() {
			continue
		}
		c := a.Classify(t.Content)
		report.TotalErrors++
		report.ErrorsByTool[t.ToolName]++
		report.ErrorsByKind[c.Kind]++
		if kindsByTool[t.ToolName] == nil {
			kindsByTool[t.ToolName] = map[Kind]int{}
		}
		kindsByTool[t.ToolName][c.Kind]++
	}

	tools := make([]string, 0, len(report.ErrorsByTool))
	for tool, count := range report.ErrorsByTool {
		if count > 3 {
			tools = append(tools, tool)
		}
	}
	sort.Strings(tools)
	for _, tool := range tools {
		report.Recommendations = append(report.Recommendations, fmt.Sprintf(
			"tool %q failed %d times, most often with %s errors; review its inputs or availability",
			tool, report.ErrorsByTool[tool], dominantKind(kindsByTool[tool])))
	}
	if len(report.Recommendations) == 0 {
		report.Recommendations = []string{"no significant error patterns detected"}
	}
	return report
}

func dominantKind(counts map[Kind]int) Kind {
	best := KindGeneral
	bestCount := -1
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		if counts[Kind(k)] > bestCount {
			best = Kind(k)
			bestCount = counts[Kind(k)]
		}
	}
	return best
}

func containsAny(lc string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lc, kw) {
			return true
		}
	}
	return false
}
