package utils

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateStruct runs `validate` tags on an input struct. Inputs bound via
// gin use `binding` tags instead; this covers worker payloads and internal
// callers that never pass through gin.
func ValidateStruct(input interface{}) error {
	return validate.Struct(input)
}

var cardNumberPattern = regexp.MustCompile(`^[0-9]{10,16}$`)

// ValidateCardNumber checks the subscription card number shape before any
// state is read.
func ValidateCardNumber(cardNumber string) error {
	if !cardNumberPattern.MatchString(cardNumber) {
		return ErrorInvalidCardNumber
	}
	return nil
}
