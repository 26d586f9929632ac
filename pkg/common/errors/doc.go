// Package errors holds the error values and error types shared by the
// streamline packages.
//
// Configuration problems are reported as *ValidationError, which always
// matches ErrInvalidConfiguration under errors.Is. Failures of a named
// operation (a dead-letter write, a config file read) are wrapped in
// *OperationError so the module and operation stay visible in logs.
package errors
