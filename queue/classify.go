package queue

import (
	"context"
	"errors"
	"net/http"

	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/messaging"
)

// Classify maps a transport failure to an error kind.
//
// No response, 5xx, 408, 409 and 429 are transient. A deadline is a
// timeout. Any other 4xx is permanent. Unknown errors are treated as
// transient network failures.
func Classify(err error) messaging.ErrorKind {
	if err == nil {
		return 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return messaging.ErrorKindTimeout
	}

	var te *interfaces.TransportError
	if !errors.As(err, &te) || te.StatusCode == 0 {
		return messaging.ErrorKindTransient
	}

	switch code := te.StatusCode; {
	case code >= 500:
		return messaging.ErrorKindTransient
	case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
		return messaging.ErrorKindTransient
	case code >= 400:
		return messaging.ErrorKindPermanent
	default:
		return messaging.ErrorKindTransient
	}
}

// StatusCode extracts the HTTP status of a transport failure, or zero.
func StatusCode(err error) int {
	var te *interfaces.TransportError
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

func lastError(err error) messaging.LastError {
	return messaging.LastError{
		Kind:       Classify(err),
		Message:    err.Error(),
		StatusCode: StatusCode(err),
	}
}
