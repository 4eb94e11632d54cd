package delivery

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// DefaultRetryableStatusCodes are the 4xx responses treated as transient.
var DefaultRetryableStatusCodes = []int{http.StatusRequestTimeout, http.StatusTooManyRequests}

// Classify maps a response status or transport error to a delivery error.
// It returns nil for 2xx responses.
func Classify(statusCode int, body string, transportErr error, retryable map[int]bool) error {
	if transportErr != nil {
		// Network failures and timeouts may succeed later.
		return &model.TransientDeliveryError{Err: transportErr}
	}
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	err := fmt.Errorf("endpoint returned %d %s", statusCode, http.StatusText(statusCode))
	if body = strings.TrimSpace(body); body != "" {
		err = fmt.Errorf("endpoint returned %d %s: %s", statusCode, http.StatusText(statusCode), body)
	}
	switch {
	case statusCode >= 500:
		return &model.TransientDeliveryError{StatusCode: statusCode, Err: err}
	case retryable[statusCode]:
		return &model.TransientDeliveryError{StatusCode: statusCode, Err: err}
	default:
		return &model.PermanentDeliveryError{StatusCode: statusCode, Err: err}
	}
}
