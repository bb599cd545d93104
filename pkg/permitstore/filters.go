/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package permitstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/permitpipeline/permitengine/pkg/permit"
)

// Filters is the equality-only structured filter set QueryFiltered
// accepts: each field is OR-within-field (any listed value matches), and
// fields combine AND-across-fields. Date-range predicates are additive.
type Filters struct {
	City              []string
	PermitType        []string
	PermitClassMapped []string
	WorkClass         []string
	CurrentStatus     []string

	IssuedFrom  *time.Time
	IssuedTo    *time.Time
	AppliedFrom *time.Time
	AppliedTo   *time.Time
}

// IsEmpty reports whether filters has no predicates, in which case
// retrieval's unfiltered pool-size rule applies.
func (f *Filters) IsEmpty() bool {
	if f == nil {
		return true
	}
	return len(f.City) == 0 && len(f.PermitType) == 0 && len(f.PermitClassMapped) == 0 &&
		len(f.WorkClass) == 0 && len(f.CurrentStatus) == 0 &&
		f.IssuedFrom == nil && f.IssuedTo == nil && f.AppliedFrom == nil && f.AppliedTo == nil
}

// normalizedColumn wraps a column reference in the same normalization
// pipeline permit.Normalize applies in Go, so stored and query values
// compare like with like: trim+lowercase, collapse whitespace,
// fold " - " to "-", fold "&" to "and".
func normalizedColumn(col string) string {
	return fmt.Sprintf(
		`replace(replace(regexp_replace(lower(trim(%s)), '\s+', ' ', 'g'), ' - ', '-'), '&', 'and')`,
		col,
	)
}

// buildPermitFilterSQL renders filters into a WHERE-clause fragment (without
// the leading "WHERE") and its positional args, starting numbering at
// startArg. Returns "" if filters has no predicates. Each OR-within-field
// set expands into its own "(col = $n OR col = $n+1 ...)" group of plain
// scalar args, rather than a single array-typed bind value, to keep the
// parameter list one concrete value per placeholder.
func buildPermitFilterSQL(filters *Filters, startArg int) (string, []interface{}) {
	if filters == nil {
		return "", nil
	}

	var clauses []string
	var args []interface{}
	argN := startArg

	addSet := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		col := normalizedColumn(column)
		var eqs []string
		for _, v := range values {
			eqs = append(eqs, fmt.Sprintf("%s = $%d", col, argN))
			args = append(args, permit.Normalize(v))
			argN++
		}
		clauses = append(clauses, "("+strings.Join(eqs, " OR ")+")")
	}

	addSet("city", filters.City)
	addSet("permit_type", filters.PermitType)
	addSet("permit_class_mapped", filters.PermitClassMapped)
	addSet("work_class", filters.WorkClass)
	addSet("current_status", filters.CurrentStatus)

	addRange := func(column string, from, to *time.Time) {
		if from != nil {
			clauses = append(clauses, fmt.Sprintf("%s >= $%d", column, argN))
			args = append(args, *from)
			argN++
		}
		if to != nil {
			clauses = append(clauses, fmt.Sprintf("%s <= $%d", column, argN))
			args = append(args, *to)
			argN++
		}
	}

	addRange("issued_date", filters.IssuedFrom, filters.IssuedTo)
	addRange("applied_date", filters.AppliedFrom, filters.AppliedTo)

	return strings.Join(clauses, " AND "), args
}
