package cloud

import "errors"

var (
	// ErrRequestFailed covers transport failures and non-2xx replies.
	ErrRequestFailed = errors.New("cloud: request failed")

	// ErrAPI is returned when the cloud answers with success=false.
	ErrAPI = errors.New("cloud: api error")

	// ErrInvalidResponse is returned for replies that cannot be decoded.
	ErrInvalidResponse = errors.New("cloud: invalid response")
)
