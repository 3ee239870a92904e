package quality

import (
	"fmt"
	"maps"
	"slices"

	"github.com/vietddude/healer/internal/core/domain"
)

// ToleranceAction is what the loop does when the quarantined fraction
// exceeds the tolerance.
type ToleranceAction string

const (
	// ToleranceContinue records the quarantine and finishes as a partial success.
	ToleranceContinue ToleranceAction = "continue"
	// ToleranceRedo treats the batch as a DataQuality failure and retries it.
	ToleranceRedo ToleranceAction = "redo"
)

// Policy configures the gate and the loop's reaction to its verdicts.
type Policy struct {
	FailFast bool `yaml:"fail_fast"`

	// Tolerance is the maximum quarantined fraction still counted as success.
	Tolerance           float64         `yaml:"tolerance"`
	OnToleranceExceeded ToleranceAction `yaml:"on_tolerance_exceeded"`

	// Weights per dimension; dimensions without weight are not scored.
	Weights map[string]float64 `yaml:"weights"`

	// MinQualityScore and LowQualityRuns drive the sustained low quality alert.
	MinQualityScore float64 `yaml:"min_quality_score"`
	LowQualityRuns  int     `yaml:"low_quality_runs"`
}

// DefaultWeights scores the five weighted dimensions.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		DimensionCompleteness: 0.25,
		DimensionValidity:     0.30,
		DimensionConsistency:  0.20,
		DimensionAccuracy:     0.15,
		DimensionTimeliness:   0.10,
	}
}

// DefaultPolicy returns the gate defaults.
func DefaultPolicy() Policy {
	return Policy{
		FailFast:            true,
		Tolerance:           0.05,
		OnToleranceExceeded: ToleranceContinue,
		Weights:             DefaultWeights(),
		MinQualityScore:     60,
		LowQualityRuns:      3,
	}
}

// WithDefaults fills unset fields. FailFast and Tolerance are taken as given.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.OnToleranceExceeded == "" {
		p.OnToleranceExceeded = def.OnToleranceExceeded
	}
	if p.Weights == nil {
		p.Weights = def.Weights
	}
	if p.LowQualityRuns == 0 {
		p.LowQualityRuns = def.LowQualityRuns
	}
	return p
}

// Validate rejects out of range values.
func (p Policy) Validate() error {
	if p.Tolerance < 0 || p.Tolerance > 1 {
		return fmt.Errorf("tolerance must be within [0, 1], got %v", p.Tolerance)
	}
	switch p.OnToleranceExceeded {
	case ToleranceContinue, ToleranceRedo:
	default:
		return fmt.Errorf("unknown on_tolerance_exceeded %q", p.OnToleranceExceeded)
	}
	for dim, w := range p.Weights {
		if !slices.Contains(knownDimensions, dim) {
			return fmt.Errorf("unknown quality dimension %q", dim)
		}
		if w < 0 {
			return fmt.Errorf("weight of %s must not be negative", dim)
		}
	}
	if p.MinQualityScore < 0 || p.MinQualityScore > 100 {
		return fmt.Errorf("min_quality_score must be within [0, 100]")
	}
	if p.LowQualityRuns < 1 {
		return fmt.Errorf("low_quality_runs must be >= 1")
	}
	return nil
}

type dimStats struct {
	passes, evals int
}

// Evaluate partitions batch into accepted and quarantined records.
//
// Rules run in the given order. A record is quarantined when any critical
// rule fails, with the failing critical rule names as reason codes; with
// FailFast it stops at the first critical failure. Records failing only
// non-critical rules are accepted and counted as warnings.
//
// The returned quarantine records carry batch, record and payload only;
// the caller stamps ids, pipeline and creation time.
func Evaluate(batch domain.Batch, rules []Rule, policy Policy) domain.QualityVerdict {
	v := domain.QualityVerdict{
		BatchID: batch.ID,
		Total:   len(batch.Records),
	}
	dims := make(map[string]*dimStats)

	for _, rec := range batch.Records {
		var reasons []string
		warned := false

		for _, rule := range rules {
			ok := rule.Check(rec)

			st := dims[rule.Dimension]
			if st == nil {
				st = &dimStats{}
				dims[rule.Dimension] = st
			}
			st.evals++
			if ok {
				st.passes++
				continue
			}

			if rule.Severity == domain.SeverityCritical {
				reasons = append(reasons, rule.Name)
				if policy.FailFast {
					break
				}
			} else {
				warned = true
			}
		}

		switch {
		case len(reasons) > 0:
			v.Quarantined++
			v.Quarantine = append(v.Quarantine, domain.QuarantineRecord{
				BatchID:     batch.ID,
				RecordID:    rec.ID,
				ReasonCodes: reasons,
				Payload:     rec.Values,
			})
		case warned:
			v.Accepted++
			v.Warnings++
		default:
			v.Accepted++
		}
	}

	v.Score, v.DimensionScores = score(dims, policy.Weights)
	return v
}

// score returns the weighted pass rate over scored dimensions, times 100.
func score(dims map[string]*dimStats, weights map[string]float64) (float64, map[string]float64) {
	if len(dims) == 0 {
		return 100, nil
	}

	perDim := make(map[string]float64, len(dims))
	var weighted, total float64
	for _, dim := range slices.Sorted(maps.Keys(dims)) {
		st := dims[dim]
		if st.evals == 0 {
			continue
		}
		rate := float64(st.passes) / float64(st.evals)
		perDim[dim] = rate * 100

		w := weights[dim]
		if w <= 0 {
			continue
		}
		weighted += rate * w
		total += w
	}

	if total == 0 {
		return 100, perDim
	}
	return weighted / total * 100, perDim
}

// QuarantineAll routes every record of batch to quarantine with reason.
func QuarantineAll(batch domain.Batch, reason string) domain.QualityVerdict {
	v := domain.QualityVerdict{
		BatchID:     batch.ID,
		Total:       len(batch.Records),
		Quarantined: len(batch.Records),
		Quarantine:  make([]domain.QuarantineRecord, 0, len(batch.Records)),
	}
	for _, rec := range batch.Records {
		v.Quarantine = append(v.Quarantine, domain.QuarantineRecord{
			BatchID:     batch.ID,
			RecordID:    rec.ID,
			ReasonCodes: []string{reason},
			Payload:     rec.Values,
		})
	}
	return v
}
