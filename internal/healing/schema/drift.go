package schema

import (
	"strings"

	"github.com/vietddude/healer/internal/core/domain"
)

// Detect diffs an observed snapshot against the accepted one. Field order is
// ignored and names are case-sensitive. Added fields keep observed order,
// everything else follows accepted order.
func Detect(observed, accepted *domain.SchemaSnapshot) domain.SchemaDiff {
	var diff domain.SchemaDiff

	obs := observed.Index()
	acc := accepted.Index()

	if accepted != nil {
		for _, a := range accepted.Fields {
			o, ok := obs[a.Name]
			if !ok {
				diff.Removed = append(diff.Removed, a)
				continue
			}
			if !sameType(a, o) {
				diff.TypeChanged = append(diff.TypeChanged, domain.FieldChange{Name: a.Name, From: a, To: o})
			}
			if a.Nullable != o.Nullable {
				diff.NullableChanged = append(diff.NullableChanged, domain.FieldChange{Name: a.Name, From: a, To: o})
			}
		}
	}

	if observed != nil {
		for _, o := range observed.Fields {
			if _, ok := acc[o.Name]; !ok {
				diff.Added = append(diff.Added, o)
			}
		}
	}

	return diff
}

func sameType(a, b domain.Field) bool {
	return normType(a.Type) == normType(b.Type) && a.Length == b.Length
}

func normType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}
