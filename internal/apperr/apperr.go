// Package apperr defines the user-facing error taxonomy shared by every
// manager. Domain packages declare their sentinels with New so that handlers
// can map any wrapped error to a stable code without knowing the domain.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindExpired            Kind = "expired"
	KindStockChanged       Kind = "stock_changed"
	KindNoFulfillableOrder Kind = "no_fulfillable_order"
	KindInvalidItem        Kind = "invalid_item"
	KindInvalidState       Kind = "invalid_state"
	KindInternal           Kind = "internal_error"
)

// Error is an expected outcome with a stable kind.
type Error struct {
	kind Kind
	msg  string
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Kind() Kind { return e.kind }

func Validation(format string, args ...any) error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{kind: KindForbidden, msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
// for anything unexpected (store failures, transport errors, bugs).
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Public returns the code and message that may be shown to a caller. Internal
// errors never leak their text.
func Public(err error) (Kind, string) {
	kind := KindOf(err)
	if kind == KindInternal {
		return kind, "internal error, please retry"
	}
	var e *Error
	errors.As(err, &e)
	return kind, e.msg
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindInvalidItem, KindNoFulfillableOrder, KindInvalidState:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindExpired, KindStockChanged:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
