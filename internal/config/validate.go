package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"datacore/internal/apperr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks v against its `validate` tags. Failures come back as a
// single apperr invalid error listing every field.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return ValidationErrorToError(v, err)
	}
	return nil
}

// ValidationErrorToError flattens validator field errors into one message.
func ValidationErrorToError(input any, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s=%s' (got '%v')", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("field '%s' failed rule '%s'", fe.Namespace(), fe.Tag()))
	}
	return apperr.Invalid("%T: %s", input, strings.Join(msgs, "; "))
}
