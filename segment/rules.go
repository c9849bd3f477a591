// Package segment evaluates rule-based segment membership. Rules form a
// tagged tree — a leaf predicate optionally chained with an AND
// condition — resolved against the profile via dot-notation paths.
// Definitions are runtime configuration: built-ins plus YAML files.
package segment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/brightpath-edu/cdp/bus"
	"github.com/brightpath-edu/cdp/model"
)

// Rule is one node of the rule tree. A nil And makes it a leaf.
type Rule struct {
	Field    string `yaml:"field" json:"field"`
	Operator string `yaml:"operator" json:"operator"`
	Value    any    `yaml:"value" json:"value"`
	And      *Rule  `yaml:"and,omitempty" json:"and,omitempty"`
}

// Definition names a rule.
type Definition struct {
	Name string `yaml:"name" json:"name"`
	Rule Rule   `yaml:"rule" json:"rule"`
}

// builtinDefinitions ship with the engine; YAML files extend them.
var builtinDefinitions = []Definition{
	{
		Name: "high_intent_prospect",
		Rule: Rule{
			Field:    "interaction_summary.total_events",
			Operator: ">=",
			Value:    3,
			And: &Rule{
				Field:    "enrollment_status",
				Operator: "==",
				Value:    "inquiry",
			},
		},
	},
	{
		Name: "engaged_learner",
		Rule: Rule{
			Field:    "interaction_summary.total_events",
			Operator: ">=",
			Value:    5,
		},
	},
}

// LoadDefinitions parses segment definitions from YAML.
func LoadDefinitions(data []byte) ([]Definition, error) {
	var defs []Definition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("parse segment definitions: %w", err)
	}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("segment definition without a name")
		}
	}
	return defs, nil
}

// Engine evaluates profiles against the registered definitions. It
// implements the profile builder's Evaluator.
type Engine struct {
	defs []Definition
	log  zerolog.Logger
}

// NewEngine builds an engine with the built-in definitions plus extras.
func NewEngine(extra []Definition, log zerolog.Logger) *Engine {
	defs := append([]Definition(nil), builtinDefinitions...)
	defs = append(defs, extra...)
	e := &Engine{
		defs: defs,
		log:  log.With().Str("component", "segment-engine").Logger(),
	}
	e.log.Info().Int("rules", len(defs)).Msg("segment rules loaded")
	return e
}

// AddRule registers a definition at runtime.
func (e *Engine) AddRule(name string, rule Rule) {
	e.defs = append(e.defs, Definition{Name: name, Rule: rule})
	e.log.Info().Str("segment", name).Msg("segment rule added")
}

// Matches returns the segment names the profile qualifies for.
func (e *Engine) Matches(p *model.Profile) []string {
	doc := p.AsMap()
	var matched []string
	for _, d := range e.defs {
		if e.evaluate(doc, d.Rule) {
			matched = append(matched, d.Name)
		}
	}
	return matched
}

// evaluate walks the rule tree; every node must hold.
func (e *Engine) evaluate(doc map[string]any, rule Rule) bool {
	actual := resolvePath(doc, rule.Field)
	if actual == nil {
		return false
	}
	ok, err := compare(actual, rule.Operator, rule.Value)
	if err != nil {
		e.log.Warn().Str("field", rule.Field).Str("operator", rule.Operator).Err(err).Msg("segment rule not evaluable")
		return false
	}
	if !ok {
		return false
	}
	if rule.And != nil {
		return e.evaluate(doc, *rule.And)
	}
	return true
}

// resolvePath resolves a dot-notation path against nested maps.
func resolvePath(doc map[string]any, path string) any {
	var current any = doc
	start := 0
	for i := 0; i <= len(path); i++ {
		if i != len(path) && path[i] != '.' {
			continue
		}
		part := path[start:i]
		start = i + 1
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil
		}
	}
	return current
}

// compare applies the operator. Numbers compare numerically regardless
// of concrete type; strings and bools support equality only.
func compare(actual any, op string, expected any) (bool, error) {
	if af, aok := toFloat(actual); aok {
		ef, eok := toFloat(expected)
		if !eok {
			return false, fmt.Errorf("numeric field compared to %T", expected)
		}
		switch op {
		case ">=":
			return af >= ef, nil
		case "<=":
			return af <= ef, nil
		case ">":
			return af > ef, nil
		case "<":
			return af < ef, nil
		case "==":
			return af == ef, nil
		case "!=":
			return af != ef, nil
		}
		return false, fmt.Errorf("unknown operator %q", op)
	}
	switch op {
	case "==":
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected), nil
	case "!=":
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", expected), nil
	}
	return false, fmt.Errorf("operator %q unsupported for %T", op, actual)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// ─── Change events ──────────────────────────────────────────

// ChangeEvent is published whenever a profile's membership changes.
type ChangeEvent struct {
	ProfileID       string    `json:"profile_id"`
	SegmentsAdded   []string  `json:"segments_added"`
	SegmentsRemoved []string  `json:"segments_removed"`
	Timestamp       time.Time `json:"timestamp"`
}

// Diff returns sorted added and removed memberships between two states.
func Diff(previous, current []string) (added, removed []string) {
	prev := make(map[string]bool, len(previous))
	for _, s := range previous {
		prev[s] = true
	}
	cur := make(map[string]bool, len(current))
	for _, s := range current {
		cur[s] = true
		if !prev[s] {
			added = append(added, s)
		}
	}
	for _, s := range previous {
		if !cur[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// PublishChange emits a ChangeEvent when membership moved.
func PublishChange(ctx context.Context, pub bus.Publisher, profileID string, added, removed []string) error {
	if len(added) == 0 && len(removed) == 0 {
		return nil
	}
	event := ChangeEvent{
		ProfileID:       profileID,
		SegmentsAdded:   added,
		SegmentsRemoved: removed,
		Timestamp:       time.Now().UTC(),
	}
	if err := pub.Publish(ctx, bus.TopicSegmentChanges, profileID, event); err != nil {
		return fmt.Errorf("publish segment change: %w", err)
	}
	return nil
}
