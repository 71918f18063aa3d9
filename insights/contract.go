package insights

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	errNoObject    = "no JSON object found"
	errInvalidJSON = "invalid JSON"
)

// ParseStudent extracts and validates a student insight from raw model output.
func ParseStudent(raw string) Result[StudentInsight] {
	fields, errs := decodeObject(raw)
	if errs != nil {
		return Result[StudentInsight]{Errors: errs}
	}
	c := &checker{fields: fields}
	out := StudentInsight{
		Summary:             c.requiredString("summary", MaxSummaryLen),
		PositiveObservation: c.requiredString("positiveObservation", MaxObservationLen),
		Strengths:           c.stringArray("strengths", MinStrengths, MaxStrengths, MaxListItemLen),
		ImprovementAreas:    c.stringArray("improvementAreas", MinImprovementAreas, MaxImprovementAreas, MaxListItemLen),
		Strategies:          c.stringArray("strategies", MinStrategies, MaxStrategies, MaxStrategyLen),
		Goal:                c.requiredString("goal", MaxGoalLen),
	}
	if len(c.errs) > 0 {
		return Result[StudentInsight]{Errors: c.errs}
	}
	return Result[StudentInsight]{Value: out}
}

// ParseGroup extracts and validates a group insight from raw model output.
func ParseGroup(raw string) Result[GroupInsight] {
	fields, errs := decodeObject(raw)
	if errs != nil {
		return Result[GroupInsight]{Errors: errs}
	}
	c := &checker{fields: fields}
	out := GroupInsight{
		Overview:           c.requiredString("overview", MaxSummaryLen),
		Highlights:         c.stringArray("highlights", MinHighlights, MaxHighlights, MaxListItemLen),
		Concerns:           c.stringArray("concerns", MinConcerns, MaxConcerns, MaxListItemLen),
		StudentsToWatch:    c.watchEntries("studentsToWatch", MinStudentsToWatch, MaxStudentsToWatch),
		RecommendedActions: c.stringArray("recommendedActions", MinRecommendedActions, MaxRecommendedActions, MaxStrategyLen),
		NextFocus:          c.requiredString("nextFocus", MaxGoalLen),
	}
	if len(c.errs) > 0 {
		return Result[GroupInsight]{Errors: c.errs}
	}
	return Result[GroupInsight]{Value: out}
}

// decodeObject takes everything between the first '{' and the last '}' so
// surrounding prose or code fences are tolerated. No partial recovery.
func decodeObject(raw string) (map[string]any, []string) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, []string{errNoObject}
	}
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &fields); err != nil {
		return nil, []string{fmt.Sprintf("%s: %v", errInvalidJSON, err)}
	}
	return fields, nil
}

type checker struct {
	fields map[string]any
	errs   []string
}

func (c *checker) fail(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

func (c *checker) requiredString(key string, maxLen int) string {
	v, ok := c.fields[key]
	if !ok || v == nil {
		c.fail("%s: is required", key)
		return ""
	}
	s, ok := v.(string)
	if !ok {
		c.fail("%s: must be a string", key)
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		c.fail("%s: must not be empty", key)
		return ""
	}
	return Truncate(s, maxLen)
}

// stringArray drops non-string and blank elements, truncates each item and
// caps the list at max. Falling below min is a hard failure.
func (c *checker) stringArray(key string, min, max, itemLen int) []string {
	v, ok := c.fields[key]
	if !ok || v == nil {
		c.fail("%s: is required", key)
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		c.fail("%s: must be an array", key)
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, Truncate(s, itemLen))
	}
	if len(out) < min {
		c.fail("%s: expected %d-%d non-empty items, got %d", key, min, max, len(out))
		return nil
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func (c *checker) watchEntries(key string, min, max int) []WatchEntry {
	v, ok := c.fields[key]
	if !ok || v == nil {
		c.fail("%s: is required", key)
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		c.fail("%s: must be an array", key)
		return nil
	}
	out := make([]WatchEntry, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			c.fail("%s[%d]: must be an object", key, i)
			continue
		}
		name, nameOK := nonEmptyString(obj["name"])
		reason, reasonOK := nonEmptyString(obj["reason"])
		if !nameOK {
			c.fail("%s[%d].name: must be a non-empty string", key, i)
		}
		if !reasonOK {
			c.fail("%s[%d].reason: must be a non-empty string", key, i)
		}
		if nameOK && reasonOK {
			out = append(out, WatchEntry{Name: Truncate(name, MaxNameLen), Reason: Truncate(reason, MaxReasonLen)})
		}
	}
	if len(out) < min {
		c.fail("%s: expected %d-%d entries, got %d", key, min, max, len(out))
		return nil
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Truncate caps s at maxLen runes without splitting a character.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:maxLen]))
}
