package zoho

import (
	"fmt"

	"github.com/orderdesk-io/orderdesk/pkg/contracts"
)

// APIError is a non-2xx response from the catalog API.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog api: status %d code %d: %s", e.Status, e.Code, e.Message)
}

// Classify maps a client error to the activity-error taxonomy the workflow
// dispatches on: auth failures are fatal, other 4xx are validation errors
// surfaced to a human, everything else is transient.
func Classify(err error) *contracts.ActivityError {
	if err == nil {
		return nil
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		// Network errors, timeouts, token endpoint failures.
		return contracts.NewTransientError("CATALOG_UNAVAILABLE", "%s", err.Error())
	}
	switch {
	case apiErr.Status == 401 || apiErr.Status == 403:
		return contracts.NewFatalError("CATALOG_AUTH_INVALID", "%s", apiErr.Message)
	case apiErr.Status == 429 || apiErr.Status >= 500:
		return contracts.NewTransientError("CATALOG_UNAVAILABLE", "status %d: %s", apiErr.Status, apiErr.Message)
	default:
		return contracts.NewFatalError("ZOHO_VALIDATION_ERROR", "status %d: %s", apiErr.Status, apiErr.Message)
	}
}
