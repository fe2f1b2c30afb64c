package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// HTTPStatusError is implemented by errors that carry an HTTP response
// status, such as the provider clients' APIError types.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

// HTTPStatus extracts an HTTP status from anywhere in the error chain.
func HTTPStatus(err error) (int, bool) {
	var se HTTPStatusError
	if errors.As(err, &se) {
		return se.HTTPStatus(), true
	}
	return 0, false
}

// Statuses that never deserve a retry. They overlap with the general 4xx
// rule below but are enumerated to keep the policy intent unambiguous.
var nonRetryableStatuses = map[int]struct{}{
	400: {},
	401: {},
	403: {},
	404: {},
	422: {},
}

// IsRetryable is the default HTTP-level classification:
//
//   - network-level failures or errors with no response status: retryable
//   - 5xx, 429, 408: retryable
//   - other 4xx: not retryable
//   - anything else: retryable (fail open toward retrying unknown cases)
//
// Context cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if isNetworkError(err) {
		return true
	}
	if status, ok := HTTPStatus(err); ok {
		return retryableStatus(status)
	}
	return true
}

func retryableStatus(status int) bool {
	if status >= 500 {
		return true
	}
	if status == 429 || status == 408 {
		return true
	}
	if _, ok := nonRetryableStatuses[status]; ok {
		return false
	}
	if status >= 400 && status < 500 {
		return false
	}
	return true
}

// isNetworkError reports whether err is a transport-level failure that never
// produced a response: connection reset/refused, DNS failure, timeout, EOF.
func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if ne, ok := ue.Err.(net.Error); ok && ne.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(ue.Err, &dnsErr) {
			return true
		}
		if oe, ok := ue.Err.(*net.OpError); ok {
			if se, ok := oe.Err.(*os.SyscallError); ok {
				switch se.Err {
				case syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED,
					syscall.ENETDOWN, syscall.ENETUNREACH, syscall.EPIPE,
					syscall.EHOSTUNREACH, syscall.ETIMEDOUT:
					return true
				}
			}
			return true
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// WithDenylist wraps a retryability predicate with a provider-specific veto:
// retry only when base allows it AND the error message matches none of the
// given substrings. Matching is case-insensitive.
func WithDenylist(base IsRetryableFunc, substrings ...string) IsRetryableFunc {
	lowered := make([]string, len(substrings))
	for i, s := range substrings {
		lowered[i] = strings.ToLower(s)
	}
	return func(err error) bool {
		if err == nil {
			return false
		}
		if base != nil && !base(err) {
			return false
		}
		msg := strings.ToLower(err.Error())
		for _, s := range lowered {
			if strings.Contains(msg, s) {
				return false
			}
		}
		return true
	}
}
