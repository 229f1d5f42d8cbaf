package gmail

import (
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/jarrod-lowe/jmap-service-sync/internal/provider"
)

// wrapError tags a Gmail API error with its provider failure class.
func wrapError(op string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return fmt.Errorf("%w: gmail %s: %v", provider.ErrAuth, op, err)
		case apiErr.Code == http.StatusForbidden && !isRateLimited(apiErr):
			return fmt.Errorf("%w: gmail %s: %v", provider.ErrAuth, op, err)
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || retrieveErr.ErrorCode == "unauthorized_client" ||
			(retrieveErr.Response != nil && retrieveErr.Response.StatusCode < http.StatusInternalServerError) {
			return fmt.Errorf("%w: gmail %s: %s", provider.ErrAuth, op, retrieveErrorReason(retrieveErr))
		}
	}

	return fmt.Errorf("%w: gmail %s: %v", provider.ErrTransient, op, err)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func retrieveErrorReason(err *oauth2.RetrieveError) string {
	if err.ErrorCode != "" {
		return err.ErrorCode
	}
	if err.Response != nil {
		return err.Response.Status
	}
	return "token refresh failed"
}
