package executor

import (
	"errors"
	"fmt"

	"github.com/adrianmcphee/shopquery"
)

// Kind classifies a failed statement.
type Kind int

const (
	KindInternal Kind = iota
	KindSyntax
	KindUnsupported
	KindUndefinedTable
	KindUndefinedColumn
	KindInvalidArgument
	KindNotFound
	KindUnavailable
	KindTimeout
)

// Error is a statement-level failure detected by the executor itself.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies err, whether it came from the executor or the query service.
func KindOf(err error) Kind {
	var execErr *Error
	switch {
	case errors.As(err, &execErr):
		return execErr.Kind
	case shopquery.IsInvalidArgument(err), errors.Is(err, shopquery.ErrInvalidConfig):
		return KindInvalidArgument
	case shopquery.IsNotFound(err):
		return KindNotFound
	case shopquery.IsTimeout(err):
		return KindTimeout
	case shopquery.IsStorageUnavailable(err):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// SQLState maps err to a PostgreSQL error code.
func SQLState(err error) string {
	switch KindOf(err) {
	case KindSyntax:
		return "42601" // syntax_error
	case KindUnsupported:
		return "0A000" // feature_not_supported
	case KindUndefinedTable:
		return "42P01" // undefined_table
	case KindUndefinedColumn:
		return "42703" // undefined_column
	case KindInvalidArgument:
		return "22023" // invalid_parameter_value
	case KindNotFound:
		return "02000" // no_data
	case KindTimeout:
		return "57014" // query_canceled
	case KindUnavailable:
		return "08006" // connection_failure
	default:
		return "XX000" // internal_error
	}
}
