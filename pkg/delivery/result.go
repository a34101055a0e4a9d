package delivery

import (
	"fmt"
	"time"
)

// ErrorKind classifies a failed delivery attempt.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTransport is a network-level failure (dial, reset, DNS).
	KindTransport
	// KindTimeout means the per-attempt timeout elapsed.
	KindTimeout
	// KindServer is a 5xx response.
	KindServer
	// KindThrottled is a 429 response, usually with RetryAfter set.
	KindThrottled
	// KindUnauthorized means the destination rejected the credential.
	// It is a persistent configuration problem.
	KindUnauthorized
	// KindRejected is a non-auth 4xx response to the payload.
	KindRejected
	// KindMalformed means the response could not be understood.
	KindMalformed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindThrottled:
		return "throttled"
	case KindUnauthorized:
		return "unauthorized"
	case KindRejected:
		return "rejected"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Success    bool
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

// Succeeded returns a successful Result.
func Succeeded() Result {
	return Result{Success: true}
}

// Failed returns a failed Result of the given kind.
func Failed(kind ErrorKind, err error) Result {
	return Result{Kind: kind, Err: err}
}

// CountsTowardRetries reports whether this failure consumes one of the
// envelope's attempts. Credential rejections and throttling do not: the
// payload is not at fault.
func (r Result) CountsTowardRetries() bool {
	if r.Success {
		return false
	}
	return r.Kind != KindUnauthorized && r.Kind != KindThrottled
}

func (r Result) String() string {
	if r.Success {
		return "success"
	}
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Kind, r.Err)
	}
	return r.Kind.String()
}
