package api

import (
	"errors"

	"github.com/repoworker/repoworker/internal/upstream"
)

// isUpstreamAuthError reports whether a proxy failure came from failed
// authentication against an upstream, which maps to a gateway error
// rather than a not-found.
func isUpstreamAuthError(err error) bool {
	return errors.Is(err, upstream.ErrAuthFailed)
}
