package pipeline

import (
	"fmt"

	"github.com/livinlefevreloca/statsync/internal/db"
)

// ParseError reports malformed artifact content.
type ParseError struct {
	Stage string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: parse: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransformError reports a value that cannot be cast to the destination type.
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("%s: transform: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// DBError reports a warehouse failure during a stage. Class is one of the
// db.Class* values.
type DBError struct {
	Stage string
	Class string
	Err   error
}

func newDBError(stage string, err error) *DBError {
	return &DBError{Stage: stage, Class: db.Classify(err), Err: err}
}

func (e *DBError) Error() string {
	return fmt.Sprintf("%s: db: %v", e.Stage, e.Err)
}

func (e *DBError) Unwrap() error { return e.Err }
