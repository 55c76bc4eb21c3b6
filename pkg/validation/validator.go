package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	MaxHorizonSteps = 3660
	MaxIDLength     = 128

	// Node and series identifiers
	idPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:\-]*$`)
)

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("element_id", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return len(s) <= MaxIDLength && idPattern.MatchString(s)
	})
}

// Struct validates v against its `validate` struct tags.
func Struct(v any) error {
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// WeightsRequest carries optional objective weights; absent weights default to 1.0.
type WeightsRequest struct {
	Deficit  *float64 `json:"deficit" validate:"omitempty,gte=0,lte=1"`
	CO2      *float64 `json:"co2" validate:"omitempty,gte=0,lte=1"`
	Economic *float64 `json:"economic" validate:"omitempty,gte=0,lte=1"`
}

// RunRequest is the body of a run submission.
type RunRequest struct {
	Mode        string          `json:"mode" validate:"omitempty,oneof=planning optimization"`
	Weights     *WeightsRequest `json:"weights" validate:"omitempty"`
	Start       string          `json:"start" validate:"required,datetime=2006-01-02"`
	Steps       int             `json:"steps" validate:"required,min=1"`
	Granularity string          `json:"granularity" validate:"required,oneof=daily monthly"`
}

// ValidateRunRequest validates a run submission.
func ValidateRunRequest(req *RunRequest) error {
	if req == nil {
		return errors.New("run request cannot be nil")
	}

	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}

	if req.Steps > MaxHorizonSteps {
		return fmt.Errorf("Steps: must not exceed %d, got %d", MaxHorizonSteps, req.Steps)
	}
	if req.Weights != nil && req.Mode != "optimization" {
		return errors.New("Weights: only accepted in optimization mode")
	}

	return nil
}

// ValidateRunID validates a run identifier taken from a URL path.
func ValidateRunID(id string) error {
	if err := validate.Var(id, "required,uuid4"); err != nil {
		return fmt.Errorf("run id %q is not a valid UUID", id)
	}
	return nil
}

// ValidateElementID validates a node or series identifier.
func ValidateElementID(id string) error {
	if id == "" {
		return errors.New("identifier cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("identifier '%s' exceeds maximum length of %d characters", id, MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("identifier '%s' is invalid (letters, digits, and _ . : - only)", id)
	}
	return nil
}

// formatValidationError converts validator errors to a more user-friendly format
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Field()
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "lt":
			return fmt.Errorf("%s: must be less than %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, strings.ReplaceAll(param, " ", ", "))
		case "datetime":
			return fmt.Errorf("%s: must be a date formatted %s", field, param)
		case "element_id":
			return fmt.Errorf("%s: invalid identifier %q", field, e.Value())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
