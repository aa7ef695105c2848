package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

func TestTranslateStatus_OK(t *testing.T) {
	assert.Nil(t, TranslateStatus(mongocrypt.Status{}, "req-1"))
}

func TestTranslateStatus_ClientError(t *testing.T) {
	st := mongocrypt.Status{Kind: mongocrypt.StatusClientError, Message: "namespace must not be empty"}
	apiErr := TranslateStatus(st, "req-1")

	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatus)
	assert.Equal(t, "InvalidRequest", apiErr.Code)
	assert.Equal(t, "req-1", apiErr.RequestID)
}

func TestTranslateStatus_KMSError(t *testing.T) {
	st := mongocrypt.Status{Kind: mongocrypt.StatusKMSError, Message: "provider rejected request"}
	apiErr := TranslateStatus(st, "")

	assert.Equal(t, http.StatusBadGateway, apiErr.HTTPStatus)
	assert.Equal(t, "KMSError", apiErr.Code)
}

func TestTranslateStatus_NetworkError(t *testing.T) {
	st := mongocrypt.Status{Kind: mongocrypt.StatusNetworkError, Message: "dial timeout"}
	apiErr := TranslateStatus(st, "")

	assert.Equal(t, http.StatusGatewayTimeout, apiErr.HTTPStatus)
	assert.Equal(t, "NetworkError", apiErr.Code)
}

func TestTranslateError_WrapsPlainError(t *testing.T) {
	apiErr := TranslateError(assert.AnError, "req-2")

	assert.Equal(t, http.StatusInternalServerError, apiErr.HTTPStatus)
	assert.Equal(t, "InternalError", apiErr.Code)
	assert.Equal(t, "req-2", apiErr.RequestID)
}

func TestTranslateError_NilReturnsNil(t *testing.T) {
	assert.Nil(t, TranslateError(nil, "req-3"))
}

func TestAPIError_Error(t *testing.T) {
	apiErr := &APIError{Code: "InvalidRequest", Message: "bad input"}
	assert.Equal(t, "InvalidRequest: bad input", apiErr.Error())
}
