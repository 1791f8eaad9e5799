package record

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	structural   *validator.Validate
	input        *validator.Validate
)

func validators() (*validator.Validate, *validator.Validate) {
	validateOnce.Do(func() {
		structural = validator.New()
		input = validator.New()
		input.SetTagName("input")
	})
	return structural, input
}

// ValidationError reports why a record was rejected before it was saved.
type ValidationError struct {
	Kind   string
	Fields []string
	Err    error
}

func (e *ValidationError) Error() string {
	if len(e.Fields) > 0 {
		return fmt.Sprintf("invalid %s: %s", e.Kind, strings.Join(e.Fields, ", "))
	}
	return fmt.Sprintf("invalid %s: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Checker is implemented by records with invariants that struct tags cannot
// express.
type Checker interface {
	Check() error
}

// Validate checks the invariants every stored record must hold: meta
// fields, timestamps and record-specific checks such as graph integrity.
// It is applied to every save, including records pulled from the remote.
func Validate(r Record) error {
	v, _ := validators()
	kind := kindOf(r)
	if err := checkTags(v, kind, r); err != nil {
		return err
	}

	m := r.Base()
	if m.CreatedAt.IsZero() {
		return &ValidationError{Kind: kind, Err: errors.New("created_at is required")}
	}
	if m.UpdatedAt.IsZero() {
		return &ValidationError{Kind: kind, Err: errors.New("updated_at is required")}
	}

	if c, ok := r.(Checker); ok {
		if err := c.Check(); err != nil {
			return &ValidationError{Kind: kind, Err: err}
		}
	}
	return nil
}

// ValidateInput additionally checks the content rules of user input:
// required names, known categories and belts, URL and date formats.
func ValidateInput(r Record) error {
	_, v := validators()
	if err := checkTags(v, kindOf(r), r); err != nil {
		return err
	}
	return Validate(r)
}

func kindOf(r Record) string {
	kind := fmt.Sprintf("%T", r)
	return kind[strings.LastIndex(kind, ".")+1:]
}

func checkTags(v *validator.Validate, kind string, r Record) error {
	err := v.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return &ValidationError{Kind: kind, Fields: fields, Err: err}
	}
	return &ValidationError{Kind: kind, Err: err}
}
