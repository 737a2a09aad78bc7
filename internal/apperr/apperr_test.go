package apperr

import (
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
)

var errSlotTaken = New(KindConflict, "slot already held")

func TestKindOfFollowsWrapChain(t *testing.T) {
	wrapped := errors.Wrap(errSlotTaken, "create hold")

	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, errSlotTaken))
	assert.True(t, IsKind(wrapped, KindConflict))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindOf(wrapped)))
}

func TestUnexpectedErrorsAreInternal(t *testing.T) {
	err := errors.Wrap(errors.New("connection reset by peer"), "query holds")

	kind, msg := Public(err)
	assert.Equal(t, KindInternal, kind)
	assert.NotContains(t, msg, "connection reset")
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(kind))
}

func TestPublicKeepsExpectedMessage(t *testing.T) {
	kind, msg := Public(Validation("ttlSeconds must be between %d and %d", 30, 600))
	assert.Equal(t, KindValidation, kind)
	assert.Equal(t, "ttlSeconds must be between 30 and 600", msg)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindValidation:         http.StatusBadRequest,
		KindInvalidItem:        http.StatusBadRequest,
		KindNoFulfillableOrder: http.StatusBadRequest,
		KindInvalidState:       http.StatusBadRequest,
		KindForbidden:          http.StatusForbidden,
		KindNotFound:           http.StatusNotFound,
		KindExpired:            http.StatusConflict,
		KindStockChanged:       http.StatusConflict,
		KindUnauthorized:       http.StatusUnauthorized,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), kind)
	}
	assert.Equal(t, Kind(""), KindOf(nil))
}
