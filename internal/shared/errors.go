package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// Sane defaults are listed below. Routers unwrap these with errors.As and
// return the message inside the request error verbatim; anything that is not
// a RequestError is returned to the client as a generic 500.
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

var (
	ErrMissingAuth   = &RequestError{Err: errors.New("missing authorization header"), StatusCode: 401}
	ErrInvalidFormat = &RequestError{Err: errors.New("invalid authentication format"), StatusCode: 401}
	ErrUnauthorized  = &RequestError{Err: errors.New("unauthorized"), StatusCode: 401}
	ErrForbidden     = &RequestError{Err: errors.New("forbidden"), StatusCode: 403}

	ErrInvalidRequest = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrMissingQuery   = &RequestError{Err: errors.New("question is required"), StatusCode: 400}

	ErrRateLimited = &RequestError{Err: errors.New("rate limit exceeded"), StatusCode: 429}

	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
)

// Pipeline sentinels. These never leave the orchestrator as client-visible
// errors; they select the degraded/recovery paths.
var (
	// ErrCircuitOpen is returned by the generation client without contacting
	// the backend while the breaker cooldown is running.
	ErrCircuitOpen = errors.New("generation circuit open")

	// ErrStreamTimeout terminates an SSE stream whose wall-clock deadline
	// elapsed. The transport turns it into a done frame with reason timeout.
	ErrStreamTimeout = errors.New("stream deadline exceeded")
)
