package errors

import (
	stderrs "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusCodeMapping(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want int
	}{
		{ErrorCodeNotFound, http.StatusNotFound},
		{ErrorCodeInvalidArgument, http.StatusBadRequest},
		{ErrorCodeValidation, http.StatusBadRequest},
		{ErrorCodeWindowViolation, http.StatusConflict},
		{ErrorCodeModeConflict, http.StatusConflict},
		{ErrorCodeNoEligibleTargets, http.StatusUnprocessableEntity},
		{ErrorCodeQuotaExhausted, http.StatusTooManyRequests},
		{ErrorCodeExecutorFailure, http.StatusBadGateway},
		{ErrorCodeDB, http.StatusInternalServerError},
		{ErrorCodeUnknown, http.StatusInternalServerError},
		{9999, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, HTTPStatusCode(c.code), "code %v", c.code)
	}
}

func TestErrorWrapping(t *testing.T) {
	var nilErr *Error
	assert.Equal(t, "<nil>", nilErr.Error())

	root := stderrs.New("disk full")
	err := Wrap(root, ErrorCodeDB, "save automation")
	assert.Equal(t, "save automation: disk full", err.Error())
	assert.True(t, stderrs.Is(err, root))
	assert.Equal(t, ErrorCodeDB, CodeOf(fmt.Errorf("outer: %w", err)))

	assert.Equal(t, ErrorCodeUnknown, CodeOf(root))
	assert.False(t, IsCode(nil, ErrorCodeDB))
}

func TestFieldAndOpAreCopyOnWrite(t *testing.T) {
	base := New(ErrorCodeValidation, "bad")
	withField := WithField(base, "content")
	withOp := WithOp(withField, "toggle")

	assert.Equal(t, "", FieldOf(base))
	assert.Equal(t, "content", FieldOf(withField))
	e, ok := As(withOp)
	require.True(t, ok)
	assert.Equal(t, "toggle", e.Op())
	assert.Equal(t, "content", e.Field())

	foreign := stderrs.New("x")
	assert.Same(t, foreign, WithField(foreign, "f"))
}

func TestExecutorFailureCarriesClass(t *testing.T) {
	err := ExecutorFailure("blocks_strangers", stderrs.New("403"))
	assert.True(t, IsCode(err, ErrorCodeExecutorFailure))
	assert.Equal(t, "blocks_strangers", FieldOf(err))

	w := WireFrom(err)
	assert.Equal(t, "executor_failure", w.Code)
	assert.Equal(t, "blocks_strangers", w.Field)

	assert.Equal(t, Wire{}, WireFrom(nil))
	assert.Equal(t, "unknown", WireFrom(stderrs.New("plain")).Code)
}

func TestValidationConstructor(t *testing.T) {
	err := Validation("bulk_message_content", "message content required")
	assert.Equal(t, ErrorCodeValidation, CodeOf(err))
	assert.Equal(t, "bulk_message_content", FieldOf(err))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(err))
}
