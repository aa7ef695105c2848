package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kenneth/mongocrypt-go/mongocrypt"
)

// APIError is the pump server's JSON error response, the namespace
// counterpart of the teacher's XML S3Error.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId,omitempty"`
	HTTPStatus int    `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WriteJSON writes the error response as JSON.
func (e *APIError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)

	type errorResponse struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId,omitempty"`
	}

	if err := json.NewEncoder(w).Encode(errorResponse{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: e.RequestID,
	}); err != nil {
		http.Error(w, e.Message, e.HTTPStatus)
	}
}

// TranslateStatus translates a mongocrypt.Status into an HTTP status code
// and JSON error body, the JSON counterpart of the teacher's
// TranslateError kind-to-status-code table.
func TranslateStatus(st mongocrypt.Status, requestID string) *APIError {
	if st.OK() {
		return nil
	}

	switch st.Kind {
	case mongocrypt.StatusClientError:
		return &APIError{
			Code:       "InvalidRequest",
			Message:    st.Message,
			RequestID:  requestID,
			HTTPStatus: http.StatusBadRequest,
		}
	case mongocrypt.StatusKMSError:
		return &APIError{
			Code:       "KMSError",
			Message:    st.Message,
			RequestID:  requestID,
			HTTPStatus: http.StatusBadGateway,
		}
	case mongocrypt.StatusNetworkError:
		return &APIError{
			Code:       "NetworkError",
			Message:    st.Message,
			RequestID:  requestID,
			HTTPStatus: http.StatusGatewayTimeout,
		}
	default:
		return &APIError{
			Code:       "InternalError",
			Message:    fmt.Sprintf("unexpected error: %s", st.Message),
			RequestID:  requestID,
			HTTPStatus: http.StatusInternalServerError,
		}
	}
}

// TranslateError wraps a plain Go error (a mongostore or hostkms failure,
// not a mongocrypt.Status) as an internal-error APIError.
func TranslateError(err error, requestID string) *APIError {
	if err == nil {
		return nil
	}
	return &APIError{
		Code:       "InternalError",
		Message:    err.Error(),
		RequestID:  requestID,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Predefined API errors.
var (
	ErrInvalidRequest = &APIError{
		Code:       "InvalidRequest",
		Message:    "invalid request",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrNamespaceRequired = &APIError{
		Code:       "InvalidRequest",
		Message:    "namespace must not be empty",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMethodNotAllowed = &APIError{
		Code:       "MethodNotAllowed",
		Message:    "the specified method is not allowed against this resource",
		HTTPStatus: http.StatusMethodNotAllowed,
	}
)
