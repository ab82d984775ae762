package members

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"libattend/internal/validation"
)

// Patch is a partial member update keyed by JSON field name.
type Patch map[string]any

type fieldRule struct {
	column   string
	nullable bool
	convert  func(v any) (any, error)
}

var fieldValidator = validation.New()

// updatable is the allow-list: only these fields may change after creation.
var updatable = map[string]fieldRule{
	"name":       {column: "name", convert: nonEmptyString(120)},
	"department": {column: "department", convert: nonEmptyString(60)},
	"semester":   {column: "semester", convert: semester},
	"email":      {column: "email", nullable: true, convert: email},
	"phone":      {column: "phone", nullable: true, convert: nonEmptyString(20)},
}

// buildUpdate turns a patch into a SET clause with $1..$n placeholders and
// its arguments. updated_at is always set last.
func buildUpdate(p Patch, now time.Time) (string, []any, error) {
	if len(p) == 0 {
		return "", nil, fmt.Errorf("%w: no fields to update", ErrInvalidField)
	}
	fields := make([]string, 0, len(p))
	for f := range p {
		if _, ok := updatable[f]; !ok {
			return "", nil, fmt.Errorf("%w: %q", ErrUnknownField, f)
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	sets := make([]string, 0, len(fields)+1)
	args := make([]any, 0, len(fields)+1)
	for _, f := range fields {
		rule := updatable[f]
		raw := p[f]
		var val any
		if raw == nil {
			if !rule.nullable {
				return "", nil, fmt.Errorf("%w: %s cannot be null", ErrInvalidField, f)
			}
		} else {
			v, err := rule.convert(raw)
			if err != nil {
				return "", nil, fmt.Errorf("%w: %s %v", ErrInvalidField, f, err)
			}
			val = v
		}
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", rule.column, len(args)))
	}
	args = append(args, now)
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	return strings.Join(sets, ", "), args, nil
}

func nonEmptyString(limit int) func(any) (any, error) {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("must not be empty")
		}
		if len(s) > limit {
			return nil, fmt.Errorf("must be at most %d characters", limit)
		}
		return s, nil
	}
}

// semester accepts the integer types and integral float64 values produced by encoding/json.
func semester(v any) (any, error) {
	var n int
	switch x := v.(type) {
	case int:
		n = x
	case int64:
		n = int(x)
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("must be a whole number")
		}
		n = int(x)
	default:
		return nil, fmt.Errorf("must be a number")
	}
	if n < 1 || n > MaxSemester {
		return nil, fmt.Errorf("must be between 1 and %d", MaxSemester)
	}
	return n, nil
}

func email(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if err := fieldValidator.Var(s, "email"); err != nil {
		return nil, fmt.Errorf("must be a valid email")
	}
	return s, nil
}
