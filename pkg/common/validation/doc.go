// Package validation provides common validation utilities for configuration
// parameters across the streamline library.
//
// The field helpers return *errors.ValidationError values with a consistent
// message shape. Struct validates tagged configuration structs with
// go-playground/validator and reports every failing field in one error.
package validation
