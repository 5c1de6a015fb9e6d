// ==============================================================================
// VALIDATOR PACKAGE - pkg/validator/validator.go
// ==============================================================================
package validator

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := &Validator{
		validate: validator.New(),
	}
	v.registerCustomValidations()
	return v
}

func (v *Validator) Validate(i interface{}) error {
	if err := v.validate.Struct(i); err != nil {
		// Format validation errors
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var errMessages []string
			for _, e := range validationErrors {
				errMessages = append(errMessages, fmt.Sprintf(
					"Field '%s' failed validation '%s'",
					e.Field(),
					e.Tag(),
				))
			}
			return fmt.Errorf("validation failed: %v", errMessages)
		}
		return err
	}
	return nil
}

// ValidateStructured returns a map of field -> error message for API consumers
func (v *Validator) ValidateStructured(i interface{}) map[string]string {
	errs := make(map[string]string)
	if err := v.validate.Struct(i); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			for _, e := range validationErrors {
				msg := fmt.Sprintf("failed validation on '%s'", e.Tag())
				switch e.Tag() {
				case "required":
					msg = "This field is required"
				case "gt":
					msg = "Must be greater than " + e.Param()
				case "min":
					msg = fmt.Sprintf("Must be at least %s characters", e.Param())
				case "max":
					msg = fmt.Sprintf("Must be at most %s characters", e.Param())
				case "positive_decimal":
					msg = "Must be a positive amount"
				case "currency_code":
					msg = "Must be a 3-letter ISO 4217 currency code"
				case "participant_id":
					msg = "Invalid participant identifier"
				case "nefield":
					msg = "Must differ from " + e.Param()
				}
				errs[e.Field()] = msg
			}
		} else {
			errs["_global"] = err.Error()
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (v *Validator) registerCustomValidations() {
	// Decimal amounts are validated on the decimal itself, not through a
	// float64 conversion: amounts range up to 10^15, which sits at the edge
	// of float64 integer precision, so comparisons must stay exact.
	_ = v.validate.RegisterValidation("positive_decimal", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(decimal.Decimal)
		return ok && d.Sign() > 0
	})

	_ = v.validate.RegisterValidation("currency_code", func(fl validator.FieldLevel) bool {
		code := strings.TrimSpace(fl.Field().String())
		return regexp.MustCompile(`^[A-Z]{3}$`).MatchString(code)
	})

	// Participant ids are BIC-like opaque identifiers issued by the external
	// directory: upper-case alphanumeric, 4 to 16 characters.
	_ = v.validate.RegisterValidation("participant_id", func(fl validator.FieldLevel) bool {
		id := strings.TrimSpace(fl.Field().String())
		return regexp.MustCompile(`^[A-Z0-9]{4,16}$`).MatchString(id)
	})
}

// Sanitize cleans string input to prevent XSS attacks
func Sanitize(input string) string {
	return html.EscapeString(strings.TrimSpace(input))
}
