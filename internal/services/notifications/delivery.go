package notifications

import (
	"fmt"
	"net/http"
)

// DeliveryError is a push provider rejection carrying the HTTP status.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push delivery failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("push delivery failed with status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether the endpoint is gone and should be pruned.
func (e *DeliveryError) Permanent() bool {
	return e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone
}
