package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Body)
}

// Classify reports whether a per-recipient failure could succeed on a later
// attempt, and a short kind label for logs and metrics.
func Classify(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == http.StatusTooManyRequests:
			return true, "rate_limited"
		case statusErr.Code >= 500:
			return true, "gateway_error"
		default:
			return false, "rejected"
		}
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "encode_error"
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return false, "canceled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	var recipientErr *RecipientError
	if errors.As(err, &recipientErr) {
		return false, recipientErr.Kind
	}
	return false, "unknown_error"
}

// RecipientError is a terminal problem with one recipient's request.
type RecipientError struct {
	Kind   string
	Reason string
}

func (e *RecipientError) Error() string { return e.Reason }
