package state

import "strings"

const maxFocusTags = 5

// Keyword groups checked in order; every matching group contributes its
// tag, so one input can carry several focus areas.
var focusKeywordGroups = []struct {
	tag      string
	keywords []string
}{
	{"email", []string{"email", "mail", "gmail"}},
	{"meeting", []string{"meeting", "appointment", "call"}},
	{"work", []string{"work", "job", "office"}},
	{"personal", []string{"personal", "private", "family"}},
	{"important", []string{"important", "urgent", "critical"}},
	{"delete", []string{"delete", "remove", "trash"}},
	{"create", []string{"create", "make", "add"}},
	{"schedule", []string{"schedule", "calendar", "time"}},
}

// KeywordTags is the deterministic focus-tag fallback used when no
// external tagging collaborator is wired in. It never returns an empty
// set: unmatched input tags as "general".
func KeywordTags(input string) []string {
	lc := strings.ToLower(input)
	tags := make([]string, 0, maxFocusTags)
	for _, group := range focusKeywordGroups {
		for _, kw := range group.keywords {
			if strings.Contains(lc, kw) {
				tags = append(tags, group.tag)
				break
			}
		}
		if len(tags) >= maxFocusTags {
			break
		}
	}
	if len(tags) == 0 {
		tags = append(tags, "general")
	}
	return tags
}

func dedupeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(strings.ToLower(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

func capTags(tags []string, max int) []string {
	if len(tags) <= max {
		return tags
	}
	return tags[:max]
}
