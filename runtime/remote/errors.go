package remote

import (
	"errors"
	"fmt"
)

type (
	// OpenError reports a non-success response to a request. Nothing was
	// consumed from the response: for streams, no unit was yielded.
	OpenError struct {
		// Endpoint is the request path (e.g. "/stream").
		Endpoint string
		// StatusCode is the response status.
		StatusCode int
		// Body is the response body, as diagnostic text.
		Body string
	}

	// StreamError reports a stream that ended without its end frame. Units
	// received before the failure were delivered; no final value is
	// synthesized.
	StreamError struct {
		// Err is the transport failure.
		Err error
	}

	// RemoteError is an error frame sent by the server.
	RemoteError struct {
		// StatusCode is the status reported by the server.
		StatusCode int `json:"status_code"`
		// Message describes the failure.
		Message string `json:"message"`
	}
)

var (
	// ErrUnsupportedVersion is returned by StreamEvents for an unknown event
	// schema version.
	ErrUnsupportedVersion = errors.New("remote: unsupported event schema version")
	// ErrUnsupportedEncoding is returned by StreamEvents when an alternate
	// encoding of the event stream is requested.
	ErrUnsupportedEncoding = errors.New("remote: special encodings are not supported")
	// ErrReturnExceptions is returned by Batch when partial failures are
	// requested.
	ErrReturnExceptions = errors.New("remote: return exceptions is not supported")
	// ErrStreamClosed is reported to observers when a stream is closed by
	// the caller before its end frame.
	ErrStreamClosed = errors.New("remote: stream closed before end")
)

// Error implements error.
func (e *OpenError) Error() string {
	return fmt.Sprintf("remote: %s: %d Error: %s", e.Endpoint, e.StatusCode, e.Body)
}

// HTTPStatus returns the response status. It lets retry classify the error.
func (e *OpenError) HTTPStatus() int {
	return e.StatusCode
}

// Error implements error.
func (e *StreamError) Error() string {
	return fmt.Sprintf("remote: stream ended abruptly: %v", e.Err)
}

// Unwrap returns the transport failure.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("remote: server error %d: %s", e.StatusCode, e.Message)
	}
	return "remote: server error: " + e.Message
}
