package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"whereabouts/internal/fault"

	"github.com/go-playground/validator/v10"
)

var groupCodePattern = regexp.MustCompile(`^[A-Z0-9]{4,16}$`)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// Custom validators
	v.RegisterValidation("group_code", validateGroupCode)
	v.RegisterValidation("notblank", validateNotBlank)

	return &Validator{validate: v}
}

// Validate checks i against its struct tags. Failures wrap fault.ErrValidation
// and name the offending fields.
func (v *Validator) Validate(i any) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %w", fault.ErrValidation, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", fault.ErrValidation, strings.Join(msgs, "; "))
}

// ValidGroupCode reports whether code, already normalized, is well formed.
func ValidGroupCode(code string) bool {
	return groupCodePattern.MatchString(code)
}

func validateGroupCode(fl validator.FieldLevel) bool {
	return ValidGroupCode(strings.ToUpper(strings.TrimSpace(fl.Field().String())))
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func describe(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required", "notblank":
		return field + " is required"
	case "group_code":
		return field + " must be 4 to 16 letters or digits"
	case "latitude":
		return field + " must be between -90 and 90"
	case "longitude":
		return field + " must be between -180 and 180"
	case "min", "gte":
		return field + " must be at least " + fe.Param()
	case "max", "lte":
		return field + " must be at most " + fe.Param()
	case "oneof":
		return field + " must be one of " + fe.Param()
	default:
		return field + " is invalid"
	}
}
