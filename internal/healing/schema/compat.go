package schema

import (
	"fmt"
	"slices"

	"github.com/vietddude/healer/internal/core/domain"
)

// BreakingAction is what the loop does with a Breaking change.
type BreakingAction string

const (
	ActionQuarantine BreakingAction = "quarantine"
	ActionFail       BreakingAction = "fail"
	ActionIgnore     BreakingAction = "ignore"
)

// Policy configures compatibility evaluation.
type Policy struct {
	BreakingChangeAction BreakingAction `yaml:"breaking_change_action"`

	// StrictAdditions makes added non-nullable fields breaking.
	StrictAdditions bool `yaml:"strict_additions"`

	// Widening lists the type changes considered safe, from -> [to...].
	// Types compare case-insensitively.
	Widening map[string][]string `yaml:"widening"`
}

// DefaultWidening is used when no widening table is configured.
func DefaultWidening() map[string][]string {
	return map[string][]string{
		"tinyint":   {"smallint", "int", "integer", "bigint", "long", "decimal", "double"},
		"smallint":  {"int", "integer", "bigint", "long", "decimal", "double"},
		"int":       {"bigint", "long", "decimal", "double"},
		"integer":   {"bigint", "long", "decimal", "double"},
		"int32":     {"int64", "float64"},
		"float":     {"double"},
		"float32":   {"float64"},
		"date":      {"timestamp"},
		"char":      {"varchar", "string", "text"},
		"varchar":   {"string", "text"},
		"timestamp": {"timestamptz"},
	}
}

// DefaultPolicy quarantines on breaking changes.
func DefaultPolicy() Policy {
	return Policy{
		BreakingChangeAction: ActionQuarantine,
		Widening:             DefaultWidening(),
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	if p.BreakingChangeAction == "" {
		p.BreakingChangeAction = ActionQuarantine
	}
	if p.Widening == nil {
		p.Widening = DefaultWidening()
	}
	return p
}

// Validate checks the configured action.
func (p Policy) Validate() error {
	switch p.BreakingChangeAction {
	case ActionQuarantine, ActionFail, ActionIgnore:
		return nil
	default:
		return fmt.Errorf("unknown breaking_change_action %q", p.BreakingChangeAction)
	}
}

// Compatibility is the evaluation result: Compatible, Adaptable or Breaking.
type Compatibility interface {
	isCompatibility()
	String() string
}

// Compatible means nothing changed.
type Compatible struct{}

// Adaptable changes are additive. Merged is the schema to accept.
type Adaptable struct {
	Merged *domain.SchemaSnapshot
}

// Breaking changes cannot be absorbed. Lossy is the schema the ignore action
// accepts: observed fields minus the narrowed ones.
type Breaking struct {
	Reasons []string
	Lossy   *domain.SchemaSnapshot
}

func (Compatible) isCompatibility() {}
func (Adaptable) isCompatibility()  {}
func (Breaking) isCompatibility()   {}

func (Compatible) String() string { return "compatible" }
func (Adaptable) String() string  { return "adaptable" }
func (Breaking) String() string   { return "breaking" }

// Evaluator classifies schema diffs. It is pure and safe for concurrent use.
type Evaluator struct {
	policy   Policy
	widening map[string]map[string]bool
}

// NewEvaluator builds an evaluator from policy.
func NewEvaluator(policy Policy) *Evaluator {
	policy = policy.WithDefaults()
	widening := make(map[string]map[string]bool, len(policy.Widening))
	for from, tos := range policy.Widening {
		set := make(map[string]bool, len(tos))
		for _, to := range tos {
			set[normType(to)] = true
		}
		widening[normType(from)] = set
	}
	return &Evaluator{policy: policy, widening: widening}
}

// Policy returns the effective policy.
func (e *Evaluator) Policy() Policy {
	return e.policy
}

// Evaluate classifies diff between accepted and observed.
func (e *Evaluator) Evaluate(diff domain.SchemaDiff, accepted, observed *domain.SchemaSnapshot) Compatibility {
	if diff.Empty() {
		return Compatible{}
	}

	var reasons []string
	narrowed := make(map[string]bool)

	for _, f := range diff.Removed {
		reasons = append(reasons, fmt.Sprintf("field %q removed", f.Name))
	}
	for _, c := range diff.TypeChanged {
		if !e.widens(c.From, c.To) {
			narrowed[c.Name] = true
			reasons = append(reasons, fmt.Sprintf("field %q type %s -> %s is not a widening",
				c.Name, describe(c.From), describe(c.To)))
		}
	}
	for _, c := range diff.NullableChanged {
		if c.From.Nullable && !c.To.Nullable {
			reasons = append(reasons, fmt.Sprintf("field %q became non-nullable", c.Name))
		}
	}
	if e.policy.StrictAdditions {
		for _, f := range diff.Added {
			if !f.Nullable {
				reasons = append(reasons, fmt.Sprintf("added field %q is non-nullable", f.Name))
			}
		}
	}

	if len(reasons) > 0 {
		return Breaking{Reasons: reasons, Lossy: lossy(observed, diff, narrowed, accepted)}
	}
	return Adaptable{Merged: merge(accepted, observed, diff)}
}

func (e *Evaluator) widens(from, to domain.Field) bool {
	ft, tt := normType(from.Type), normType(to.Type)
	if ft == tt {
		// same type, length may only grow; 0 is unbounded
		if to.Length == 0 {
			return true
		}
		return from.Length != 0 && to.Length >= from.Length
	}
	return e.widening[ft][tt]
}

func describe(f domain.Field) string {
	if f.Length > 0 {
		return fmt.Sprintf("%s(%d)", f.Type, f.Length)
	}
	return f.Type
}

// merge keeps accepted order, applies observed shapes to changed fields and
// appends additions as nullable.
func merge(accepted, observed *domain.SchemaSnapshot, diff domain.SchemaDiff) *domain.SchemaSnapshot {
	obs := observed.Index()
	out := &domain.SchemaSnapshot{}
	if accepted != nil {
		out.Version = accepted.Version
		for _, a := range accepted.Fields {
			if o, ok := obs[a.Name]; ok {
				out.Fields = append(out.Fields, o)
			}
		}
	}
	for _, f := range diff.Added {
		f.Nullable = true
		out.Fields = append(out.Fields, f)
	}
	return out
}

func lossy(
	observed *domain.SchemaSnapshot,
	diff domain.SchemaDiff,
	narrowed map[string]bool,
	accepted *domain.SchemaSnapshot,
) *domain.SchemaSnapshot {
	out := &domain.SchemaSnapshot{}
	if accepted != nil {
		out.Version = accepted.Version
	}
	if observed == nil {
		return out
	}
	added := make([]string, 0, len(diff.Added))
	for _, f := range diff.Added {
		added = append(added, f.Name)
	}
	for _, f := range observed.Fields {
		if narrowed[f.Name] {
			continue
		}
		if slices.Contains(added, f.Name) {
			f.Nullable = true
		}
		out.Fields = append(out.Fields, f)
	}
	return out
}
