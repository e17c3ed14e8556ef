// Package utils turns validator errors into API error bodies.
package utils

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

type CustomErrorResponse struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func ValidationErr(err validator.ValidationErrors) []CustomErrorResponse {
	var errors []CustomErrorResponse
	for _, fieldErr := range err {
		errors = append(errors, CustomErrorResponse{
			Field:   fieldErr.Field(),
			Tag:     fieldErr.ActualTag(),
			Message: GetErrorMessage(fieldErr),
		})
	}
	return errors
}

func GetErrorMessage(fe validator.FieldError) string {
	switch fe.ActualTag() {
	case "required":
		return "This field is required."
	case "required_without":
		return fmt.Sprintf("This field is required when %s is empty.", fe.Param())
	case "gt":
		return fmt.Sprintf("Must be greater than %s.", fe.Param())
	case "min":
		return fmt.Sprintf("Must be at least %s long.", fe.Param())
	case "max":
		return fmt.Sprintf("Must be at most %s long.", fe.Param())
	case "alphanum":
		return "Only letters and digits are allowed."
	case "url":
		return "Must be a valid URL."
	default:
		return "Unknown validation error."
	}
}
