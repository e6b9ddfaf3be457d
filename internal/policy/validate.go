package policy

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/reelscript-ai/reelscript/internal/script"
)

// ValidationError carries every violation found in a request so callers see
// all problems at once. It is never retried.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "invalid generation request: " + strings.Join(e.Violations, "; ")
}

// ValidationResult is the outcome of validating one generation request.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Err returns the result as an error, or nil for a valid request.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Violations: r.Errors}
}

type requestValidator struct {
	validate *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	// Report violations under the wire field names, not Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &requestValidator{validate: v}
}

// Validate checks required fields and length ceilings, collecting every
// violation rather than stopping at the first.
func (p *Policy) Validate(req script.Request) ValidationResult {
	err := p.validator.validate.Struct(req)
	if err == nil {
		return ValidationResult{Valid: true}
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationResult{Errors: []string{err.Error()}}
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, violationMessage(fe))
	}
	return ValidationResult{Errors: msgs}
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
	}
}

// Quality thresholds per content type, exposed for callers that score
// generated content after the fact. The policy itself never scores.
const (
	HookQualityThreshold    = 80
	ScriptQualityThreshold  = 75
	VisualsQualityThreshold = 70
)

// QualityThreshold returns the minimum acceptable score for a content type.
// Unknown types get the most permissive threshold.
func QualityThreshold(contentType string) int {
	switch contentType {
	case "hook":
		return HookQualityThreshold
	case "script":
		return ScriptQualityThreshold
	case "visuals":
		return VisualsQualityThreshold
	default:
		return VisualsQualityThreshold
	}
}
