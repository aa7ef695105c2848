// Package mongocrypt implements the client-side field-level encryption core:
// a cooperative, non-blocking state machine that orchestrates an encrypt or
// decrypt operation through external I/O rounds (collection metadata lookup,
// marking, key-document fetch, KMS unwrap) without ever opening a socket
// itself. The caller pumps a Context to completion; see Context for the
// driver loop.
package mongocrypt

import "fmt"

// StatusKind classifies the nature of a failure recorded on a Status.
type StatusKind int

const (
	// StatusOK indicates no error has occurred.
	StatusOK StatusKind = iota
	// StatusClientError indicates caller misuse, malformed input, or a
	// call made in the wrong state.
	StatusClientError
	// StatusKMSError indicates a KMS provider returned an error or an
	// undecryptable response.
	StatusKMSError
	// StatusNetworkError indicates a transport failure the caller
	// reported via KMSContext.Fail.
	StatusNetworkError
)

func (k StatusKind) String() string {
	switch k {
	case StatusOK:
		return "ok"
	case StatusClientError:
		return "client"
	case StatusKMSError:
		return "kms"
	case StatusNetworkError:
		return "network"
	default:
		return "unknown"
	}
}

// GenericErrorCode is used when a failure has no more specific numeric code.
const GenericErrorCode = 1

// Status is the per-context error channel described in spec §3 and §7.
// A zero Status is ok.
type Status struct {
	Kind    StatusKind
	Code    int
	Message string
}

// OK reports whether the status represents success.
func (s Status) OK() bool {
	return s.Kind == StatusOK
}

// Error implements the error interface so a Status can be returned directly
// from functions that prefer idiomatic Go error handling at the host
// boundary.
func (s Status) Error() string {
	if s.OK() {
		return ""
	}
	return fmt.Sprintf("%s error (code %d): %s", s.Kind, s.Code, s.Message)
}

func clientError(format string, args ...any) Status {
	return Status{Kind: StatusClientError, Code: GenericErrorCode, Message: fmt.Sprintf(format, args...)}
}

func kmsError(format string, args ...any) Status {
	return Status{Kind: StatusKMSError, Code: GenericErrorCode, Message: fmt.Sprintf(format, args...)}
}
