package broker

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBrokerError(t *testing.T) {
	err := ErrInvalidHandshake("state mismatch")
	assert.Equal(t, "invalid_handshake: state mismatch", err.Error())
	assert.Equal(t, http.StatusBadRequest, err.Status)

	assert.Equal(t, http.StatusBadGateway, ErrUpstreamAuthFailure("x").Status)
	assert.Equal(t, http.StatusUnauthorized, ErrUnauthenticated("x").Status)
	assert.Equal(t, http.StatusInternalServerError, ErrServerError("x").Status)
	assert.Equal(t, http.StatusTooManyRequests, ErrRateLimitExceeded("x").Status)
}
