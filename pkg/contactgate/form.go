package contactgate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// ContactForm is the body accepted by the emails endpoint
type ContactForm struct {
	Name    string `json:"name" validate:"min=2,max=50"`
	Email   string `json:"email" validate:"email"`
	Message string `json:"message" validate:"min=10,max=1000"`
}

// contactFormFields lists the json names of ContactForm in issue order
var contactFormFields = []string{"name", "email", "message"}

// ValidationIssue describes one rejected field. Path holds the json name of
// the field, empty when the body as a whole is rejected.
type ValidationIssue struct {
	Code    string   `json:"code"`
	Path    []string `json:"path"`
	Message string   `json:"message"`
}

// ErrMalformedJSON is returned by DecodeContactForm for bodies that are not JSON
var ErrMalformedJSON = errors.New("malformed json")

// FormValidationError carries the issues found in a well formed body
type FormValidationError struct {
	Issues []ValidationIssue
}

func (e *FormValidationError) Error() string {
	messages := []string{}
	for _, issue := range e.Issues {
		messages = append(messages, fmt.Sprintf("%v: %v", strings.Join(issue.Path, "."), issue.Message))
	}
	return "invalid contact form: " + strings.Join(messages, ", ")
}

func NewFormValidator() *FormValidator {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &FormValidator{validate: validate}
}

// FormValidator decodes and validates contact form submissions
type FormValidator struct {
	validate *validator.Validate
}

// DecodeContactForm returns ErrMalformedJSON when body is not JSON and a
// *FormValidationError when it is JSON but not a valid ContactForm.
func (fv *FormValidator) DecodeContactForm(body []byte) (ContactForm, error) {
	form := ContactForm{}

	if !json.Valid(body) {
		return form, ErrMalformedJSON
	}

	if string(bytes.TrimSpace(body)) == "null" {
		issue := ValidationIssue{Code: "invalid_type", Path: []string{}, Message: "Expected object, received null"}
		return form, &FormValidationError{Issues: []ValidationIssue{issue}}
	}

	if err := json.Unmarshal(body, &form); err != nil {
		typeErr := &json.UnmarshalTypeError{}
		if errors.As(err, &typeErr) {
			return form, &FormValidationError{Issues: []ValidationIssue{typeIssue(typeErr)}}
		}
		return form, ErrMalformedJSON
	}

	// a present empty string is too short, only absent or null fields are missing
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return form, ErrMalformedJSON
	}
	missing := map[string]ValidationIssue{}
	for _, field := range contactFormFields {
		value, ok := raw[field]
		switch {
		case !ok:
			missing[field] = ValidationIssue{Code: "invalid_type", Path: []string{field}, Message: "Required"}
		case string(bytes.TrimSpace(value)) == "null":
			missing[field] = ValidationIssue{Code: "invalid_type", Path: []string{field}, Message: "Expected string, received null"}
		}
	}

	err := fv.Validate(form)
	if err == nil && len(missing) == 0 {
		return form, nil
	}

	validationErr := &FormValidationError{}
	if err != nil && !errors.As(err, &validationErr) {
		return form, err
	}

	issues := []ValidationIssue{}
	for _, field := range contactFormFields {
		if issue, ok := missing[field]; ok {
			issues = append(issues, issue)
			continue
		}
		for _, issue := range validationErr.Issues {
			if len(issue.Path) > 0 && issue.Path[0] == field {
				issues = append(issues, issue)
			}
		}
	}

	return form, &FormValidationError{Issues: issues}
}

// Validate checks field rules. Lengths are counted in runes.
func (fv *FormValidator) Validate(form ContactForm) error {
	err := fv.validate.Struct(form)
	if err == nil {
		return nil
	}

	fieldErrs := validator.ValidationErrors{}
	if !errors.As(err, &fieldErrs) {
		return errors.Wrap(err, "error validating contact form")
	}

	issues := []ValidationIssue{}
	for _, fe := range fieldErrs {
		issues = append(issues, fieldIssue(fe))
	}

	return &FormValidationError{Issues: issues}
}

func fieldIssue(fe validator.FieldError) ValidationIssue {
	issue := ValidationIssue{Path: []string{fe.Field()}}

	switch fe.Tag() {
	case "min":
		issue.Code = "too_small"
		issue.Message = fmt.Sprintf("String must contain at least %v character(s)", fe.Param())
	case "max":
		issue.Code = "too_big"
		issue.Message = fmt.Sprintf("String must contain at most %v character(s)", fe.Param())
	case "email":
		issue.Code = "invalid_string"
		issue.Message = "Invalid email"
	default:
		issue.Code = "custom"
		issue.Message = fmt.Sprintf("Failed %v validation", fe.Tag())
	}

	return issue
}

func typeIssue(err *json.UnmarshalTypeError) ValidationIssue {
	path := []string{}
	if len(err.Field) > 0 {
		path = strings.Split(err.Field, ".")
	}

	expected := "object"
	if len(path) > 0 {
		expected = err.Type.String()
	}

	return ValidationIssue{
		Code:    "invalid_type",
		Path:    path,
		Message: fmt.Sprintf("Expected %v, received %v", expected, err.Value),
	}
}
