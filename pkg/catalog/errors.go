package catalog

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every NotFoundError with errors.Is
var ErrNotFound = errors.New("not found")

// NotFoundError reports a single-object lookup that matched nothing
type NotFoundError struct {
	Kind   Kind
	Schema string
	Name   string
}

func (e *NotFoundError) Error() string {
	if e.Schema == "" || e.Kind == KindSchema {
		return fmt.Sprintf("no such %s: %s", e.Kind, e.Name)
	}
	return fmt.Sprintf("no such %s: %s.%s", e.Kind, e.Schema, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
