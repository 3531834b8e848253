package symptom

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hengadev/errsx"
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrAccessDenied is returned when the access policy rejects the actor.
var ErrAccessDenied = errors.New("access denied")

// ErrDuplicateUser is returned when a user email is already registered.
var ErrDuplicateUser = errors.New("user email already registered")

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError carries one message per offending field. Messages never
// echo the submitted values.
type ValidationError struct {
	Fields errsx.Map
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Fields.Error()
}

// FieldMessages flattens the field map for response bodies.
func (e *ValidationError) FieldMessages() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// FieldNames returns the offending fields in sorted order.
func (e *ValidationError) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func validationError(errs errsx.Map) error {
	if errs.IsEmpty() {
		return nil
	}
	return &ValidationError{Fields: errs}
}
