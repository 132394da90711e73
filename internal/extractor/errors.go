package extractor

import (
	"fmt"
	"strconv"
)

// ErrorKind tags a client failure at the boundary where the upstream's raw
// error is first observed, so callers classify on the tag instead of on
// free text.
type ErrorKind string

const (
	// KindConfig is a missing credential or model; fatal, never retried.
	KindConfig ErrorKind = "config"
	// KindTransient is rate limiting, server errors, or timeouts;
	// recoverable by backoff retry.
	KindTransient ErrorKind = "transient"
	// KindPermanent is a request the upstream will keep rejecting.
	KindPermanent ErrorKind = "permanent"
	// KindParse means the response body could not be turned into a
	// structured result. Retrying cannot fix a malformed response.
	KindParse ErrorKind = "parse"
	// KindPromptNotFound is the upstream's signal that the configured
	// prompt template id does not exist; triggers the default-model
	// fallback when one is configured.
	KindPromptNotFound ErrorKind = "prompt_not_found"
)

// Error is a structured-extraction failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("extraction %s error: status %d: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("extraction %s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode feeds the retry engine's token matcher: the numeric HTTP status
// when one exists, otherwise the kind.
func (e *Error) ErrorCode() string {
	if e.Status != 0 {
		return strconv.Itoa(e.Status)
	}
	return string(e.Kind)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if ee, ok := err.(*Error); ok {
			return ee.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
