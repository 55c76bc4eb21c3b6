package validation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// FieldError names the config key a check failed on.
type FieldError struct {
	Section string
	Field   string
	Err     error
}

func (e *FieldError) Error() string {
	return e.Section + "." + e.Field + ": " + e.Err.Error()
}

func (e *FieldError) Unwrap() error { return e.Err }

// ConfigValidator accumulates problems across a whole config so a bad file
// is reported in one pass. Methods chain.
type ConfigValidator struct {
	section  string
	problems []error
}

// NewConfigValidator starts a validator for the named config section.
func NewConfigValidator(section string) *ConfigValidator {
	return &ConfigValidator{section: section}
}

func (cv *ConfigValidator) fail(field string, format string, args ...any) *ConfigValidator {
	return cv.add(field, fmt.Errorf(format, args...))
}

func (cv *ConfigValidator) add(field string, err error) *ConfigValidator {
	cv.problems = append(cv.problems, &FieldError{Section: cv.section, Field: field, Err: err})
	return cv
}

// Required rejects an empty or blank string.
func (cv *ConfigValidator) Required(field, value string) *ConfigValidator {
	if strings.TrimSpace(value) == "" {
		return cv.fail(field, "is required")
	}
	return cv
}

// RangeInt rejects values outside [lo, hi].
func (cv *ConfigValidator) RangeInt(field string, value, lo, hi int) *ConfigValidator {
	if value < lo || value > hi {
		return cv.fail(field, "%d not in [%d, %d]", value, lo, hi)
	}
	return cv
}

// Positive rejects values <= 0.
func (cv *ConfigValidator) Positive(field string, value int) *ConfigValidator {
	if value <= 0 {
		return cv.fail(field, "must be positive, got %d", value)
	}
	return cv
}

// PositiveFloat rejects values <= 0 and NaN.
func (cv *ConfigValidator) PositiveFloat(field string, value float64) *ConfigValidator {
	if !(value > 0) {
		return cv.fail(field, "must be positive, got %g", value)
	}
	return cv
}

// MinDuration rejects durations shorter than lo.
func (cv *ConfigValidator) MinDuration(field string, value, lo time.Duration) *ConfigValidator {
	if value < lo {
		return cv.fail(field, "%v is below %v", value, lo)
	}
	return cv
}

// OneOf rejects values outside allowed.
func (cv *ConfigValidator) OneOf(field, value string, allowed []string) *ConfigValidator {
	if !slices.Contains(allowed, value) {
		return cv.fail(field, "%q must be one of %s", value, strings.Join(allowed, ", "))
	}
	return cv
}

// Custom records the error returned by fn, wrapped with the field name.
func (cv *ConfigValidator) Custom(field string, fn func() error) *ConfigValidator {
	if err := fn(); err != nil {
		return cv.add(field, err)
	}
	return cv
}

// When runs checks only if cond holds, e.g. for optional store sections.
func (cv *ConfigValidator) When(cond bool, checks func(*ConfigValidator)) *ConfigValidator {
	if cond {
		checks(cv)
	}
	return cv
}

// HasErrors reports whether any check failed.
func (cv *ConfigValidator) HasErrors() bool {
	return len(cv.problems) > 0
}

// Errors returns the failed checks in the order they ran.
func (cv *ConfigValidator) Errors() []error {
	return cv.problems
}

// Validate joins every recorded problem, or returns nil.
func (cv *ConfigValidator) Validate() error {
	return errors.Join(cv.problems...)
}

// DefaultOr returns value unless it is the zero value.
func DefaultOr[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}
