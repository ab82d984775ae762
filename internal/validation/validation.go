// Package validation holds the shared validator and its "usn" rule.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// USNPattern is the member identifier format: 10 uppercase letters or digits.
var USNPattern = regexp.MustCompile(`^[0-9A-Z]{10}$`)

// New returns a validator that also understands the "usn" tag.
func New() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("usn", func(fl validator.FieldLevel) bool {
		return USNPattern.MatchString(fl.Field().String())
	})
	return v
}

// Message flattens validator errors into one readable line.
func Message(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fieldError(fe))
	}
	return strings.Join(msgs, "; ")
}

func fieldError(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be a valid email"
	case "usn":
		return field + " must be 10 uppercase letters or digits"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation (%s)", field, fe.Tag())
	}
}
