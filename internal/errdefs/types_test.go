package errdefs

import (
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetErrorTypeClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"transient wrapper", NewTransientError(fmt.Errorf("boom"), ""), ErrorTypeTransient},
		{"permanent wrapper", NewPermanentError(fmt.Errorf("boom"), "bad request"), ErrorTypePermanent},
		{"degraded wrapper", NewDegradedError(fmt.Errorf("open"), "circuit open"), ErrorTypeDegraded},
		{"503 status", NewStatusError(http.StatusServiceUnavailable, "Service Unavailable", ""), ErrorTypeTransient},
		{"400 status", NewStatusError(http.StatusBadRequest, "Bad Request", ""), ErrorTypePermanent},
		{"connection refused", syscall.ECONNREFUSED, ErrorTypeTransient},
		{"plain error defaults permanent", fmt.Errorf("boom"), ErrorTypePermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GetErrorType(tc.err))
		})
	}
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTypeTransient.String())
	assert.Equal(t, "permanent", ErrorTypePermanent.String())
	assert.Equal(t, "degraded", ErrorTypeDegraded.String())
}

func TestConstructorsLiftStatusCode(t *testing.T) {
	statusErr := NewStatusError(http.StatusBadGateway, "Bad Gateway", "")

	transient := NewTransientError(statusErr, "")
	assert.Equal(t, http.StatusBadGateway, transient.StatusCode)
	assert.Equal(t, http.StatusBadGateway, StatusCode(transient))
	assert.True(t, IsTransient(transient))

	permanent := NewPermanentError(fmt.Errorf("no status here"), "decode failed")
	assert.Equal(t, 0, permanent.StatusCode)
	assert.False(t, IsTransient(permanent))
}
