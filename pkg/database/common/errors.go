package common

import (
	"context"
	"fmt"
)

// ExecutionError reports a generated statement that the server rejected
type ExecutionError struct {
	Statement string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("error executing sql: %s: %v", e.Statement, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// TransportError reports a connection or stream failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Exec runs a single statement, reporting a failure as an ExecutionError
func Exec(ctx context.Context, q Querier, stmt string) error {
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return &ExecutionError{Statement: stmt, Err: err}
	}
	return nil
}
