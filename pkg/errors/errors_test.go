package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := New(KindUnreachable, "connect refused for %s", "192.168.1.40")
	assert.Equal(t, KindUnreachable, KindOf(base))

	wrapped := fmt.Errorf("dispatch failed: %w", base)
	assert.Equal(t, KindUnreachable, KindOf(wrapped))

	assert.Equal(t, KindCancelled, KindOf(context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(KindUnreachable, cause, "probing 10.0.0.9")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "unreachable")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindUnknownDevice:        http.StatusNotFound,
		KindUnsupportedParameter: http.StatusBadRequest,
		KindTypeMismatch:         http.StatusBadRequest,
		KindConfirmationRequired: http.StatusPreconditionRequired,
		KindUnreachable:          http.StatusBadGateway,
		KindTimeout:              http.StatusBadGateway,
		KindDeviceError:          http.StatusBadGateway,
		KindInternal:             http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "x")), "kind %s", kind)
	}
}
