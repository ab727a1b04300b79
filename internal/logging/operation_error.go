package logging

import (
	"errors"
	"strings"

	"go.uber.org/zap"
)

// OperationError records which step of a classification request failed.
// GinMiddleware reads it back from the gin error list to tag request logs.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.RequestID != "" {
		b.WriteString(" [request ")
		b.WriteString(e.RequestID)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError tags err with the failing operation; nil stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// OperationOf returns the outermost operation name recorded on err, or "".
func OperationOf(err error) string {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Operation
	}
	return ""
}

// errorFields describes err for a request log line. The request id is already
// part of the error text.
func errorFields(err error) []zap.Field {
	fields := []zap.Field{zap.Error(err)}
	if op := OperationOf(err); op != "" {
		fields = append(fields, zap.String("failed_operation", op))
	}
	return fields
}
