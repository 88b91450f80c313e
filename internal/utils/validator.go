// internal/utils/validator.go
package utils

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate *validator.Validate

var (
	msisdnPattern   = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

func init() {
	validate = validator.New()
	validate.RegisterValidation("msisdn", validateMSISDN)
	validate.RegisterValidation("currency", validateCurrency)
	// Money fields validate as numbers, so gt=0 and friends work on them.
	validate.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// ValidMSISDN reports whether s is an E.164 subscriber number.
func ValidMSISDN(s string) bool {
	return msisdnPattern.MatchString(s)
}

func validateMSISDN(fl validator.FieldLevel) bool {
	return ValidMSISDN(fl.Field().String())
}

func validateCurrency(fl validator.FieldLevel) bool {
	return currencyPattern.MatchString(fl.Field().String())
}

func decimalValue(v reflect.Value) interface{} {
	if d, ok := v.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   strings.ToLower(e.Field()),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		return e.Field() + " must be at least " + e.Param()
	case "max":
		return e.Field() + " must be at most " + e.Param()
	case "gt":
		return e.Field() + " must be greater than " + e.Param()
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	case "msisdn":
		return "Phone number must be in international format, e.g. +254712345678"
	case "currency":
		return "Currency must be a three-letter ISO 4217 code"
	default:
		return e.Field() + " is invalid"
	}
}
