package recovery

import (
	"fmt"
	"strings"

	"github.com/vietddude/healer/internal/core/domain"
)

// Rule maps executor error codes or message fragments to a category.
// Codes match exactly, patterns match case-insensitively as substrings.
type Rule struct {
	Category domain.FailureCategory `yaml:"category"`
	Codes    []string               `yaml:"codes"`
	Patterns []string               `yaml:"patterns"`
}

// ClassifierConfig holds rules evaluated before the built-in patterns.
type ClassifierConfig struct {
	Rules []Rule `yaml:"rules"`
}

// Validate checks rule categories.
func (c ClassifierConfig) Validate() error {
	for i, r := range c.Rules {
		if !r.Category.Valid() {
			return fmt.Errorf("classifier rule %d: unknown category %q", i, r.Category)
		}
		if len(r.Codes) == 0 && len(r.Patterns) == 0 {
			return fmt.Errorf("classifier rule %d: needs codes or patterns", i)
		}
	}
	return nil
}

// builtin patterns, checked in order after the configured rules.
var builtinRules = []Rule{
	{
		Category: domain.CategorySchemaMismatch,
		Patterns: []string{
			"schema mismatch", "column not found", "unknown column", "no such column",
			"missing column", "cannot resolve column", "incompatible schema",
		},
	},
	{
		Category: domain.CategoryFatal,
		Patterns: []string{
			"file not found", "table does not exist", "syntax error", "illegal argument",
		},
	},
	{
		Category: domain.CategoryResourceExhaustion,
		Patterns: []string{
			"out of memory", "outofmemory", "oomkilled", "memory limit exceeded",
			"no space left", "disk full", "out of disk", "gc overhead limit",
		},
	},
	{
		Category: domain.CategoryConfiguration,
		Patterns: []string{
			"permission denied", "access denied", "invalid credentials", "unauthorized",
			"missing parameter", "missing required", "invalid configuration",
		},
	},
	{
		Category: domain.CategoryDataQuality,
		Patterns: []string{
			"expectation failed", "constraint violation", "null value in column",
			"duplicate key", "data validation",
		},
	},
	{
		Category: domain.CategoryTransient,
		Patterns: []string{
			"timeout", "timed out", "connection refused", "connection reset",
			"temporarily unavailable", "network", "503", "broken pipe",
		},
	},
}

// Classifier maps raw failure signals to categories. It is pure and safe for
// concurrent use.
type Classifier struct {
	extra []Rule
}

// NewClassifier creates a classifier with configured extra rules.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	extra := make([]Rule, len(cfg.Rules))
	for i, r := range cfg.Rules {
		extra[i] = normalize(r)
	}
	return &Classifier{extra: extra}
}

func normalize(r Rule) Rule {
	out := Rule{Category: r.Category, Codes: r.Codes}
	for _, p := range r.Patterns {
		out.Patterns = append(out.Patterns, strings.ToLower(p))
	}
	return out
}

// Classify returns the category of sig. The first matching rule wins and
// anything unrecognized is Fatal.
func (c *Classifier) Classify(sig domain.FailureSignal) domain.FailureCategory {
	switch {
	case sig.SchemaMismatch:
		return domain.CategorySchemaMismatch
	case sig.ResourceExhausted:
		return domain.CategoryResourceExhaustion
	case sig.TimedOut:
		return domain.CategoryTransient
	}

	msg := strings.ToLower(sig.Message)
	for _, r := range c.extra {
		if r.matches(sig.Code, msg) {
			return r.Category
		}
	}
	for _, r := range builtinRules {
		if r.matches(sig.Code, msg) {
			return r.Category
		}
	}
	return domain.CategoryFatal
}

// ClassifyFailure returns the signal together with its category.
func (c *Classifier) ClassifyFailure(sig domain.FailureSignal) domain.ClassifiedFailure {
	return domain.ClassifiedFailure{
		Category: c.Classify(sig),
		Code:     sig.Code,
		Message:  sig.Message,
	}
}

func (r Rule) matches(code, lowerMsg string) bool {
	if code != "" {
		for _, c := range r.Codes {
			if c == code {
				return true
			}
		}
	}
	if lowerMsg == "" {
		return false
	}
	for _, p := range r.Patterns {
		if strings.Contains(lowerMsg, p) {
			return true
		}
	}
	return false
}
