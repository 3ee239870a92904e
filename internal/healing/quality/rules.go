package quality

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/vietddude/healer/internal/core/domain"
)

// Quality dimensions a rule can score against.
const (
	DimensionCompleteness = "completeness"
	DimensionValidity     = "validity"
	DimensionConsistency  = "consistency"
	DimensionAccuracy     = "accuracy"
	DimensionTimeliness   = "timeliness"
	DimensionUniqueness   = "uniqueness"
)

var knownDimensions = []string{
	DimensionCompleteness,
	DimensionValidity,
	DimensionConsistency,
	DimensionAccuracy,
	DimensionTimeliness,
	DimensionUniqueness,
}

// Built-in checks.
const (
	CheckNotNull  = "not_null"
	CheckNotBlank = "not_blank"
	CheckMatches  = "matches"
	CheckRange    = "range"
	CheckOneOf    = "one_of"
	CheckLength   = "length"
)

// Check evaluates a record. It must be deterministic.
type Check func(rec domain.Record) bool

// Rule is a compiled check with its scoring metadata.
type Rule struct {
	Name      string
	Dimension string
	Severity  domain.Severity
	Check     Check
}

// RuleSpec is the data form of a rule as it appears in config or rule files.
type RuleSpec struct {
	Name      string          `yaml:"name"      json:"name"`
	Dimension string          `yaml:"dimension" json:"dimension"`
	Severity  domain.Severity `yaml:"severity"  json:"severity"`
	Check     string          `yaml:"check"     json:"check"`
	Fields    []string        `yaml:"fields"    json:"fields"`

	Pattern   string   `yaml:"pattern,omitempty"    json:"pattern,omitempty"`
	Min       *float64 `yaml:"min,omitempty"        json:"min,omitempty"`
	Max       *float64 `yaml:"max,omitempty"        json:"max,omitempty"`
	Values    []string `yaml:"values,omitempty"     json:"values,omitempty"`
	MinLength *int     `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength *int     `yaml:"max_length,omitempty" json:"max_length,omitempty"`
}

// Validate checks the fields common to every rule.
func (s RuleSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("rule name is required")
	}
	if !slices.Contains(knownDimensions, s.Dimension) {
		return fmt.Errorf("rule %q: unknown dimension %q", s.Name, s.Dimension)
	}
	switch s.Severity {
	case domain.SeverityCritical, domain.SeverityWarning, domain.SeverityInfo:
	default:
		return fmt.Errorf("rule %q: unknown severity %q", s.Name, s.Severity)
	}
	if strings.TrimSpace(s.Check) == "" {
		return fmt.Errorf("rule %q: check is required", s.Name)
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("rule %q: fields must be non-empty", s.Name)
	}
	return nil
}

// ValuePredicate decides whether a single field value passes.
type ValuePredicate func(value any, present bool) bool

// Factory builds a value predicate from a rule spec.
type Factory func(spec RuleSpec) (ValuePredicate, error)

// Registry maps check names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in checks.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(CheckNotNull, notNull)
	r.Register(CheckNotBlank, notBlank)
	r.Register(CheckMatches, matches)
	r.Register(CheckRange, inRange)
	r.Register(CheckOneOf, oneOf)
	r.Register(CheckLength, length)
	return r
}

// Register adds or replaces a check.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Compile turns specs into rules, preserving order. Names must be unique.
func (r *Registry) Compile(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, ok := seen[spec.Name]; ok {
			return nil, fmt.Errorf("rules[%d]: duplicate rule name %q", i, spec.Name)
		}
		seen[spec.Name] = struct{}{}

		r.mu.RLock()
		factory, ok := r.factories[spec.Check]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("rules[%d]: unsupported check %q", i, spec.Check)
		}
		pred, err := factory(spec)
		if err != nil {
			return nil, fmt.Errorf("rules[%d] %s: %w", i, spec.Name, err)
		}

		fields := slices.Clone(spec.Fields)
		rules = append(rules, Rule{
			Name:      spec.Name,
			Dimension: spec.Dimension,
			Severity:  spec.Severity,
			Check: func(rec domain.Record) bool {
				for _, f := range fields {
					v, ok := rec.Values[f]
					if !pred(v, ok) {
						return false
					}
				}
				return true
			},
		})
	}
	return rules, nil
}

// -----------------------------------------------------------------------------
// Built-in checks
// -----------------------------------------------------------------------------

func notNull(RuleSpec) (ValuePredicate, error) {
	return func(v any, present bool) bool {
		return present && v != nil
	}, nil
}

func notBlank(RuleSpec) (ValuePredicate, error) {
	return func(v any, present bool) bool {
		if !present || v == nil {
			return false
		}
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s) != ""
		}
		return true
	}, nil
}

// absent values pass the shape checks below; pair them with not_null.

func matches(spec RuleSpec) (ValuePredicate, error) {
	if spec.Pattern == "" {
		return nil, errors.New("matches requires pattern")
	}
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return func(v any, present bool) bool {
		if !present || v == nil {
			return true
		}
		return re.MatchString(stringify(v))
	}, nil
}

func inRange(spec RuleSpec) (ValuePredicate, error) {
	if spec.Min == nil && spec.Max == nil {
		return nil, errors.New("range requires min or max")
	}
	if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
		return nil, errors.New("range min must be <= max")
	}
	return func(v any, present bool) bool {
		if !present || v == nil {
			return true
		}
		n, ok := toFloat(v)
		if !ok {
			return false
		}
		if spec.Min != nil && n < *spec.Min {
			return false
		}
		if spec.Max != nil && n > *spec.Max {
			return false
		}
		return true
	}, nil
}

func oneOf(spec RuleSpec) (ValuePredicate, error) {
	if len(spec.Values) == 0 {
		return nil, errors.New("one_of requires values")
	}
	allowed := make(map[string]struct{}, len(spec.Values))
	for _, v := range spec.Values {
		allowed[v] = struct{}{}
	}
	return func(v any, present bool) bool {
		if !present || v == nil {
			return true
		}
		_, ok := allowed[stringify(v)]
		return ok
	}, nil
}

func length(spec RuleSpec) (ValuePredicate, error) {
	if spec.MinLength == nil && spec.MaxLength == nil {
		return nil, errors.New("length requires min_length or max_length")
	}
	return func(v any, present bool) bool {
		if !present || v == nil {
			return true
		}
		n := utf8.RuneCountInString(stringify(v))
		if spec.MinLength != nil && n < *spec.MinLength {
			return false
		}
		if spec.MaxLength != nil && n > *spec.MaxLength {
			return false
		}
		return true
	}, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
