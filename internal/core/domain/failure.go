package domain

// FailureCategory is the typed classification of a failed attempt.
type FailureCategory string

const (
	CategoryTransient          FailureCategory = "transient"
	CategoryResourceExhaustion FailureCategory = "resource_exhaustion"
	CategorySchemaMismatch     FailureCategory = "schema_mismatch"
	CategoryDataQuality        FailureCategory = "data_quality"
	CategoryConfiguration      FailureCategory = "configuration"
	CategoryFatal              FailureCategory = "fatal"
)

// AllCategories lists every category in declaration order.
var AllCategories = []FailureCategory{
	CategoryTransient,
	CategoryResourceExhaustion,
	CategorySchemaMismatch,
	CategoryDataQuality,
	CategoryConfiguration,
	CategoryFatal,
}

// Valid reports whether c is a known category.
func (c FailureCategory) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// Retryable reports whether the category may ever be retried automatically.
// Fatal and Configuration require human or adaptation action.
func (c FailureCategory) Retryable() bool {
	return c != CategoryFatal && c != CategoryConfiguration
}

// FailureSignal is the raw failure reported by the job executor.
type FailureSignal struct {
	Code              string `json:"code,omitempty"`
	Message           string `json:"message"`
	ResourceExhausted bool   `json:"resource_exhausted,omitempty"`
	TimedOut          bool   `json:"timed_out,omitempty"`
	SchemaMismatch    bool   `json:"schema_mismatch,omitempty"`

	// ObservedSchema is set by executors that can report the schema they saw
	// when the mismatch happened.
	ObservedSchema *SchemaSnapshot `json:"observed_schema,omitempty"`
}

// ClassifiedFailure couples a signal with its category.
type ClassifiedFailure struct {
	Category FailureCategory `json:"category"`
	Code     string          `json:"code,omitempty"`
	Message  string          `json:"message"`
}
