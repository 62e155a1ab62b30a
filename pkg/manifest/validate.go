package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError is one structural problem found in a manifest.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest: field %q: %s", e.Field, e.Reason)
}

// validate is shared; validator instances cache struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs every structural check against m and returns the complete
// list of failures. It is pure apart from checking that the entry point
// exists on disk.
func Validate(m *Manifest) []error {
	var errs []error

	if err := validate.Struct(m); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				errs = append(errs, &ValidationError{
					Field:  strings.TrimPrefix(fe.Namespace(), "Manifest."),
					Reason: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, err)
		}
	}

	// Entry point must exist under the plugin directory.
	if m.EntryPoint != "" && m.Dir != "" {
		if _, err := os.Stat(m.EntryPath()); err != nil {
			errs = append(errs, &ValidationError{
				Field:  "entry_point",
				Reason: fmt.Sprintf("entry point %q not found in plugin directory", m.EntryPoint),
			})
		}
	}

	seen := make(map[string]struct{}, len(m.Variables))
	for i, v := range m.Variables {
		field := fmt.Sprintf("variables[%d]", i)

		if _, dup := seen[v.Name]; dup {
			errs = append(errs, &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("duplicate variable name %q", v.Name),
			})
		}
		seen[v.Name] = struct{}{}

		if v.Type != "" {
			if _, ok := knownVariableTypes[v.Type]; !ok {
				errs = append(errs, &ValidationError{
					Field:  field,
					Reason: fmt.Sprintf("unrecognized variable type %q", v.Type),
				})
			}
		}

		// A required variable with a default is contradictory; flag it
		// instead of silently resolving one way or the other.
		if v.Required && v.Default != nil {
			errs = append(errs, &ValidationError{
				Field:  field,
				Reason: fmt.Sprintf("variable %q is required but declares a default", v.Name),
			})
		}
	}

	return errs
}
