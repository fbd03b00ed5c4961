package contextopt

import (
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/turnstate/pkg/state"
)

// Context types the validator knows thresholds for.
const (
	ContextTypeLTM          = "ltm"
	ContextTypeRAG          = "rag"
	ContextTypeConversation = "conversation"
	ContextTypeMixed        = "mixed"
)

// Per-type acceptance thresholds. LTM's bar is far below RAG's: LTM
// retrieval is already pre-filtered upstream, while RAG candidates arrive
// raw and need a real gate.
var qualityThresholds = map[string]float64{
	ContextTypeLTM:          0.1,
	ContextTypeRAG:          0.5,
	ContextTypeConversation: 0.4,
	ContextTypeMixed:        0.6,
}

var sourceWeights = map[string]float64{
	"ltm":                  1.0,
	"focus":                0.9,
	"focus_areas":          0.9,
	"rag":                  0.8,
	"memory":               0.7,
	"conversation":         0.7,
	"conversation_history": 0.7,
	"tool":                 0.6,
	"tool_results":         0.6,
	"system":               0.5,
}

// QualityValidator is the second, independent gate applied to already-
// assembled candidate blocks at injection time. It deliberately uses a
// coarser scoring model than the Manager (content quality + freshness +
// type weight on top of relevance) so the two gates fail differently.
type QualityValidator struct {
	now func() time.Time
}

// NewQualityValidator returns a validator using wall-clock freshness.
func NewQualityValidator() *QualityValidator {
	return &QualityValidator{now: time.Now}
}

// Score rates one candidate in [0,1]:
// 0.5 relevance + 0.3 content quality + 0.1 type weight + 0.1 freshness.
func (v *QualityValidator) Score(item state.ContextItem, userInput string) float64 {
	return 0.5*relevanceScore(item.Content, userInput) +
		0.3*contentQuality(item) +
		0.1*typeWeight(item.Source) +
		0.1*v.freshness(item)
}

// Validate filters candidates by the contextType threshold and returns
// survivors sorted by score descending. With empty user input there is no
// comparison target, so everything passes unfiltered.
func (v *QualityValidator) Validate(items []state.ContextItem, userInput, contextType string) []state.ContextItem {
	if strings.TrimSpace(userInput) == "" {
		return items
	}
	threshold, ok := qualityThresholds[contextType]
	if !ok {
		threshold = qualityThresholds[ContextTypeMixed]
	}

	type scored struct {
		item  state.ContextItem
		score float64
	}
	kept := make([]scored, 0, len(items))
	for _, item := range items {
		s := v.Score(item, userInput)
		if s >= threshold {
			kept = append(kept, scored{item: item, score: s})
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })

	out := make([]state.ContextItem, 0, len(kept))
	for _, s := range kept {
		out = append(out, s.item)
	}
	return out
}

func contentQuality(item state.ContextItem) float64 {
	trimmed := strings.TrimSpace(item.Content)
	lc := strings.ToLower(trimmed)

	quality := 1.0
	if len(item.Content) < 10 {
		quality *= 0.5
	}
	if len(item.Content) > 2000 {
		quality *= 0.8
	}
	if trimmed == item.Content && item.Content != "" {
		quality += 0.1
	}
	if item.Role == "system" {
		quality *= 0.8
	}
	if trimmed == "" || lc == "none" || lc == "null" || lc == "undefined" {
		quality *= 0.1
	}
	if quality > 1.0 {
		quality = 1.0
	}
	if quality < 0 {
		quality = 0
	}
	return quality
}

func typeWeight(source string) float64 {
	if w, ok := sourceWeights[source]; ok {
		return w
	}
	return 0.5
}

func (v *QualityValidator) freshness(item state.ContextItem) float64 {
	if item.Timestamp.IsZero() {
		return 0.5
	}
	age := v.now().Sub(item.Timestamp)
	switch {
	case age <= time.Hour:
		return 1.0
	case age <= 24*time.Hour:
		return 0.9
	case age <= 7*24*time.Hour:
		return 0.7
	case age <= 30*24*time.Hour:
		return 0.5
	default:
		return 0.3
	}
}
