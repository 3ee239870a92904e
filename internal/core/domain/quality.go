package domain

import "time"

// Severity tags a quality rule.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Record is a single data record flowing through the quality gate.
type Record struct {
	ID     string         `json:"id"`
	Values map[string]any `json:"values"`
}

// Batch is a set of records produced by one attempt.
type Batch struct {
	ID      string   `json:"id"`
	Records []Record `json:"records"`
}

// QuarantineRecord is a record held back from the output, never deleted silently.
type QuarantineRecord struct {
	ID          string         `json:"id"`
	PipelineID  string         `json:"pipeline_id"`
	BatchID     string         `json:"batch_id"`
	RecordID    string         `json:"record_id"`
	ReasonCodes []string       `json:"reason_codes"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// QualityVerdict is the outcome of a quality gate evaluation over one batch.
type QualityVerdict struct {
	BatchID         string             `json:"batch_id"`
	Total           int                `json:"total"`
	Accepted        int                `json:"accepted"`
	Quarantined     int                `json:"quarantined"`
	Warnings        int                `json:"warnings"`
	Score           float64            `json:"score"`
	DimensionScores map[string]float64 `json:"dimension_scores,omitempty"`
	Quarantine      []QuarantineRecord `json:"quarantine,omitempty"`
}

// Conserved reports whether accepted + quarantined == total.
func (v QualityVerdict) Conserved() bool {
	return v.Accepted+v.Quarantined == v.Total && len(v.Quarantine) == v.Quarantined
}

// QuarantinedFraction returns quarantined / total, 0 for empty batches.
func (v QualityVerdict) QuarantinedFraction() float64 {
	if v.Total == 0 {
		return 0
	}
	return float64(v.Quarantined) / float64(v.Total)
}

// Summary drops the per-record payload.
func (v QualityVerdict) Summary() *VerdictSummary {
	return &VerdictSummary{
		BatchID:     v.BatchID,
		Total:       v.Total,
		Accepted:    v.Accepted,
		Quarantined: v.Quarantined,
		Warnings:    v.Warnings,
		Score:       v.Score,
	}
}

// VerdictSummary is a payload-free QualityVerdict.
type VerdictSummary struct {
	BatchID     string  `json:"batch_id"`
	Total       int     `json:"total"`
	Accepted    int     `json:"accepted"`
	Quarantined int     `json:"quarantined"`
	Warnings    int     `json:"warnings"`
	Score       float64 `json:"score"`
}
