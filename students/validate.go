package students

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"
)

const topLevelError = "input must be a JSON array of student records"

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var dateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	time.RFC1123,
	time.RFC1123Z,
}

// InputShapeError means the payload as a whole could not be treated as a batch.
type InputShapeError struct {
	Reason string
}

func (e *InputShapeError) Error() string { return e.Reason }

// LoadFile reads and validates a JSON batch from disk. A read failure is
// returned as an error; everything else is reported in the result.
func LoadFile(path string) (ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{}, fmt.Errorf("read input %s: %w", path, err)
	}
	return DecodeAndValidate(data), nil
}

// DecodeAndValidate parses raw JSON bytes and validates the batch.
func DecodeAndValidate(data []byte) ValidationResult {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("%s: invalid JSON: %v", topLevelError, err)}}
	}
	return Validate(raw)
}

// Validate checks every item independently and never fails as a whole:
// items with any field error are excluded and their errors reported with
// the item index.
func Validate(raw any) ValidationResult {
	items, ok := raw.([]any)
	if !ok {
		return ValidationResult{Errors: []string{topLevelError}}
	}
	res := ValidationResult{Total: len(items)}
	for i, item := range items {
		student, errs := validateItem(i, item)
		if len(errs) > 0 {
			res.Errors = append(res.Errors, errs...)
			continue
		}
		res.Valid = append(res.Valid, student)
	}
	return res
}

// IsInputShapeFailure reports whether the result carries only the top-level error.
func (r ValidationResult) IsInputShapeFailure() bool {
	return r.Total == 0 && len(r.Errors) == 1 && strings.HasPrefix(r.Errors[0], topLevelError)
}

type itemChecker struct {
	prefix string
	fields map[string]any
	errs   []string
}

func (c *itemChecker) fail(field, msg string) {
	c.errs = append(c.errs, fmt.Sprintf("%s.%s: %s", c.prefix, field, msg))
}

func validateItem(index int, item any) (Student, []string) {
	prefix := fmt.Sprintf("students[%d]", index)
	fields, ok := item.(map[string]any)
	if !ok {
		return Student{}, []string{prefix + ": must be an object"}
	}
	c := &itemChecker{prefix: prefix, fields: fields}

	var s Student
	s.ID = c.requiredString("id")
	s.Name = c.requiredString("name")
	if email := c.requiredString("email"); email != "" {
		if !emailPattern.MatchString(email) {
			c.fail("email", "must be a valid email address")
		}
		s.Email = email
	}
	s.Grades = c.grades()
	s.ParticipationScore = c.number("participationScore", 1, 10)
	s.CompletionRate = c.number("completionRate", 0, 100)
	s.Notes = c.optionalString("notes")
	s.Trend = c.trend()
	s.LastAssessmentDate, s.LastAssessment = c.date("lastAssessmentDate")
	return s, c.errs
}

func (c *itemChecker) requiredString(field string) string {
	v, present := c.fields[field]
	if !present || v == nil {
		c.fail(field, "is required")
		return ""
	}
	str, ok := v.(string)
	if !ok {
		c.fail(field, "must be a string")
		return ""
	}
	str = strings.TrimSpace(str)
	if str == "" {
		c.fail(field, "must not be empty")
	}
	return str
}

func (c *itemChecker) optionalString(field string) string {
	v, present := c.fields[field]
	if !present || v == nil {
		return ""
	}
	str, ok := v.(string)
	if !ok {
		c.fail(field, "must be a string")
		return ""
	}
	return strings.TrimSpace(str)
}

func (c *itemChecker) number(field string, min, max float64) float64 {
	v, present := c.fields[field]
	if !present || v == nil {
		c.fail(field, "is required")
		return 0
	}
	n, ok := toFloat(v)
	if !ok {
		c.fail(field, "must be a finite number")
		return 0
	}
	if n < min || n > max {
		c.fail(field, fmt.Sprintf("must be between %g and %g", min, max))
	}
	return n
}

func (c *itemChecker) trend() Trend {
	v := c.requiredString("trend")
	if v == "" {
		return ""
	}
	switch t := Trend(v); t {
	case TrendImproving, TrendStable, TrendDeclining:
		return t
	default:
		c.fail("trend", fmt.Sprintf("must be one of improving, stable, declining (got %q)", v))
		return ""
	}
}

func (c *itemChecker) date(field string) (string, time.Time) {
	v := c.requiredString(field)
	if v == "" {
		return "", time.Time{}
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return v, ts
		}
	}
	c.fail(field, fmt.Sprintf("must be a parseable date (got %q)", v))
	return v, time.Time{}
}

func (c *itemChecker) grades() []Grade {
	v, present := c.fields["grades"]
	if !present || v == nil {
		c.fail("grades", "is required")
		return nil
	}
	list, ok := v.([]any)
	if !ok {
		c.fail("grades", "must be an array")
		return nil
	}
	if len(list) == 0 {
		c.fail("grades", "must contain at least one entry")
		return nil
	}
	out := make([]Grade, 0, len(list))
	for j, entry := range list {
		field := fmt.Sprintf("grades[%d]", j)
		obj, ok := entry.(map[string]any)
		if !ok {
			c.fail(field, "must be an object")
			continue
		}
		var g Grade
		valid := true
		subject, ok := obj["subject"].(string)
		if !ok || strings.TrimSpace(subject) == "" {
			c.fail(field+".subject", "must be a non-empty string")
			valid = false
		}
		g.Subject = strings.TrimSpace(subject)
		score, ok := toFloat(obj["score"])
		switch {
		case !ok:
			c.fail(field+".score", "must be a finite number")
			valid = false
		case score < 0 || score > 100:
			c.fail(field+".score", "must be between 0 and 100")
			valid = false
		}
		g.Score = score
		if valid {
			out = append(out, g)
		}
	}
	return out
}

func toFloat(v any) (float64, bool) {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case float32:
		n = float64(t)
	case int:
		n = float64(t)
	case int64:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, false
	}
	return n, true
}
