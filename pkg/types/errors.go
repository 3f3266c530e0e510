package types

import "errors"

// Record conversion errors
var (
	// ErrSchemaRequired is returned when a record is decoded without a schema
	ErrSchemaRequired = errors.New("schema is required")

	// ErrNotObject is returned when JSON record input is not an object
	ErrNotObject = errors.New("record JSON must be an object")
)
