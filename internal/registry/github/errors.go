package github

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v65/github"

	"github.com/terrpan/runnerguard/internal/registry"
)

// translate maps a go-github error onto the registry error taxonomy. A
// true notFound means the resource does not exist and the error should be
// treated as a normal outcome.
func translate(err error) (notFound bool, _ error) {
	var (
		rateErr  *gogithub.RateLimitError
		abuseErr *gogithub.AbuseRateLimitError
		respErr  *gogithub.ErrorResponse
	)
	switch {
	case errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return false, fmt.Errorf("%w: %w", registry.ErrRateLimited, err)
	case errors.As(err, &respErr) && respErr.Response != nil:
		code := respErr.Response.StatusCode
		switch {
		case code == http.StatusNotFound:
			return true, nil
		case code == http.StatusTooManyRequests,
			code == http.StatusForbidden && isRateLimitMessage(respErr.Message):
			return false, fmt.Errorf("%w: %w", registry.ErrRateLimited, err)
		case code >= http.StatusInternalServerError:
			return false, fmt.Errorf("%w: %w", registry.ErrNetwork, err)
		default:
			return false, err
		}
	default:
		// Transport failures, timeouts and undecodable responses.
		return false, fmt.Errorf("%w: %w", registry.ErrNetwork, err)
	}
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse")
}
