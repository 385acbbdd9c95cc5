package logstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the admin key was missing or wrong.
	ErrUnauthorized = errors.New("logstream: unauthorized")

	// ErrNotFound means the consumer or resource does not exist.
	ErrNotFound = errors.New("logstream: not found")

	// ErrConflict means a registration clashed with an existing consumer.
	ErrConflict = errors.New("logstream: conflict")

	// ErrPayloadTooLarge means the record exceeds the server's payload limit.
	ErrPayloadTooLarge = errors.New("logstream: payload too large")

	// ErrBackpressure means the store is above its high water mark and the
	// submit should be retried later.
	ErrBackpressure = errors.New("logstream: backpressure")

	// ErrUnavailable means the service cannot currently serve the request.
	ErrUnavailable = errors.New("logstream: unavailable")
)

// decodeError turns a non-2xx response into the matching sentinel,
// keeping the server's message when one was sent.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return statusError(resp.StatusCode, body.Error)
}

func statusError(code int, msg string) error {
	var base error
	switch code {
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		base = ErrConflict
	case http.StatusRequestEntityTooLarge:
		base = ErrPayloadTooLarge
	case http.StatusTooManyRequests:
		base = ErrBackpressure
	case http.StatusServiceUnavailable:
		base = ErrUnavailable
	default:
		if msg != "" {
			return fmt.Errorf("logstream: server returned %d: %s", code, msg)
		}
		return fmt.Errorf("logstream: server returned %d", code)
	}
	if msg != "" {
		return fmt.Errorf("%w: %s", base, msg)
	}
	return base
}
