package domain

import "time"

// AlertKind names why an alert was raised.
type AlertKind string

const (
	AlertEscalation     AlertKind = "escalation"
	AlertBreakingSchema AlertKind = "breaking_schema"
	AlertLowQuality     AlertKind = "low_quality"
	AlertPoolScaled     AlertKind = "pool_scaled"
)

// AlertSeverity is the alert urgency.
type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityWarning  AlertSeverity = "warning"
)

// Alert is an event handed to an external notifier.
type Alert struct {
	ID         string            `json:"id"`
	PipelineID string            `json:"pipeline_id"`
	Kind       AlertKind         `json:"kind"`
	Severity   AlertSeverity     `json:"severity"`
	Message    string            `json:"message"`
	Reason     string            `json:"reason,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	At         time.Time         `json:"at"`
}
