package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their mapstructure name so messages match
// the keys users write in the config file.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// ValidateStruct validates a struct using the validator package
// It returns a single error with all validation errors combined
// Used to validate configs when the advisor starts
func ValidateStruct(s interface{}) error {
	if s == nil {
		return fmt.Errorf("Invalid validation: input is nil")
	}

	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return fmt.Errorf("Invalid validation: %v", err)
	}

	var errMsgs []string
	for _, fe := range err.(validator.ValidationErrors) {
		errMsgs = append(errMsgs, fmt.Sprintf("%s is required or invalid. %v", fieldPath(fe.Namespace()), fe.Error()))
	}
	return errors.New(strings.Join(errMsgs, ", "))
}

// fieldPath drops the struct name validator puts in front of every namespace.
func fieldPath(namespace string) string {
	if i := strings.IndexByte(namespace, '.'); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}
