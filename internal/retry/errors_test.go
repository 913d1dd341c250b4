package retry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type statusCodeError struct {
	code int
}

func (e statusCodeError) Error() string       { return fmt.Sprintf("status %d", e.code) }
func (e statusCodeError) HTTPStatusCode() int { return e.code }

func TestIsTransientExplicitWrappers(t *testing.T) {
	assert.True(t, IsTransient(NewTransient(errors.New("timeout"))))
	assert.False(t, IsTransient(NewPermanent(errors.New("bad request"))))
}

func TestIsTransientNetworkPatterns(t *testing.T) {
	cases := []string{
		"connection refused", "connection reset by peer", "broken pipe",
		"context deadline exceeded: timeout", "no route to host",
	}
	for _, msg := range cases {
		assert.True(t, IsTransient(errors.New(msg)), msg)
	}
}

func TestIsTransientResourceExhaustion(t *testing.T) {
	assert.True(t, IsTransient(errors.New("CUDA out of memory")))
	assert.True(t, IsTransient(errors.New("host reported OOM")))
}

func TestIsTransientHTTPStatusCodes(t *testing.T) {
	assert.True(t, IsTransient(statusCodeError{code: 429}))
	assert.True(t, IsTransient(statusCodeError{code: 503}))
	assert.False(t, IsTransient(statusCodeError{code: 400}))
}

func TestIsTransientUnknownDefaultsTrue(t *testing.T) {
	assert.True(t, IsTransient(errors.New("something unrecognised happened")))
}

func TestIsPermanentValidationPatterns(t *testing.T) {
	cases := []string{
		"invalid prompt", "malformed request body", "validation failed",
		"unauthorized", "forbidden", "decode error: unexpected token",
	}
	for _, msg := range cases {
		assert.True(t, IsPermanent(errors.New(msg)), msg)
	}
}

func TestIsPermanentExplicitWrapperWins(t *testing.T) {
	assert.True(t, IsPermanent(NewPermanent(errors.New("anything"))))
	assert.False(t, IsPermanent(NewTransient(errors.New("bad request"))), "explicit transient overrides pattern match")
}

func TestExtractHTTPStatusCodeFromWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("call failed: %w", statusCodeError{code: 502})
	assert.Equal(t, 502, extractHTTPStatusCode(wrapped))
}
