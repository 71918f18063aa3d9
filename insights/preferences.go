package insights

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preferences bias the synthesized goal and strategies. All fields are optional.
type Preferences struct {
	PreferredStrategies []string `yaml:"preferredStrategies" json:"preferredStrategies,omitempty"`
	Goal                string   `yaml:"goal" json:"goal,omitempty"`
	FocusAreas          []string `yaml:"focusAreas" json:"focusAreas,omitempty"`
}

// PreferencesSet is the on-disk preferences document.
type PreferencesSet struct {
	Default  Preferences            `yaml:"default"`
	Group    *Preferences           `yaml:"group"`
	Students map[string]Preferences `yaml:"students"`
}

// LoadPreferences reads a YAML (or JSON) preferences file. A missing file or
// empty path yields a nil set and no error.
func LoadPreferences(path string) (*PreferencesSet, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	var set PreferencesSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse preferences: %w", err)
	}
	return &set, nil
}

// For returns the student's entry merged over the default entry.
func (s *PreferencesSet) For(studentID string) *Preferences {
	if s == nil {
		return nil
	}
	merged := s.Default
	if own, ok := s.Students[studentID]; ok {
		merged = merge(merged, own)
	}
	if merged.empty() {
		return nil
	}
	return &merged
}

// ForGroup returns the group entry merged over the default entry.
func (s *PreferencesSet) ForGroup() *Preferences {
	if s == nil {
		return nil
	}
	merged := s.Default
	if s.Group != nil {
		merged = merge(merged, *s.Group)
	}
	if merged.empty() {
		return nil
	}
	return &merged
}

func merge(base, over Preferences) Preferences {
	if len(over.PreferredStrategies) > 0 {
		base.PreferredStrategies = over.PreferredStrategies
	}
	if strings.TrimSpace(over.Goal) != "" {
		base.Goal = over.Goal
	}
	if len(over.FocusAreas) > 0 {
		base.FocusAreas = over.FocusAreas
	}
	return base
}

func (p Preferences) empty() bool {
	return len(p.PreferredStrategies) == 0 && strings.TrimSpace(p.Goal) == "" && len(p.FocusAreas) == 0
}
