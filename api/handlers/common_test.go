package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orgflow/orgflow/types"
)

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestWriteSuccessEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))

	resp := decodeResponse(t, rec)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestWriteCreatedStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteCreated(rec, "x")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, decodeResponse(t, rec).Success)
}

func TestWriteErrorMapsCodes(t *testing.T) {
	cases := []struct {
		code   types.ErrorCode
		status int
	}{
		{types.ErrInvalidRequest, http.StatusBadRequest},
		{types.ErrInvalidTransition, http.StatusBadRequest},
		{types.ErrPermissionDenied, http.StatusForbidden},
		{types.ErrDelegationAuthorityExceeded, http.StatusForbidden},
		{types.ErrChannelDenied, http.StatusForbidden},
		{types.ErrNodeNotFound, http.StatusNotFound},
		{types.ErrHierarchyNotFound, http.StatusNotFound},
		{types.ErrDepthLimitExceeded, http.StatusConflict},
		{types.ErrFanoutLimitExceeded, http.StatusConflict},
		{types.ErrResourceUnavailable, http.StatusConflict},
		{types.ErrRateLimited, http.StatusTooManyRequests},
		{types.ErrMessageExpired, http.StatusGone},
		{types.ErrTimeout, http.StatusGatewayTimeout},
		{types.ErrHierarchyDegraded, http.StatusServiceUnavailable},
		{types.ErrInternalError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, types.NewError(tc.code, "boom"), zap.NewNop())

			assert.Equal(t, tc.status, rec.Code)
			resp := decodeResponse(t, rec)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tc.code), resp.Error.Code)
		})
	}
}

func TestWriteErrorHonorsExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	err := types.NewError(types.ErrInvalidRequest, "teapot").WithHTTPStatus(http.StatusTeapot)
	WriteError(rec, err, zap.NewNop())
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestWriteDomainErrorWrapsUnknown(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, assert.AnError, zap.NewNop())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeResponse(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
}

func TestDecodeJSONBodyStrictMode(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","bogus":1}`))
	rec := httptest.NewRecorder()
	err := DecodeJSONBody(rec, r, &dst, zap.NewNop())
	assert.Error(t, err, "unknown fields are rejected")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeJSONBodyMalformed(t *testing.T) {
	var dst map[string]any
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	rec := httptest.NewRecorder()
	assert.Error(t, DecodeJSONBody(rec, r, &dst, zap.NewNop()))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResponseWriterCapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError) // second call ignored
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, rw.StatusCode)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, rw.Written)
}

func TestResponseWriterDefaultsToOK(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewResponseWriter(rec)
	_, err := rw.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, rw.StatusCode)
}
