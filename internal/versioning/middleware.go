package versioning

import (
	"context"
	"net/http"

	apperrors "lorachat/internal/errors"
	"lorachat/internal/httputil"

	"github.com/sirupsen/logrus"
)

type contextKey string

const versionContextKey contextKey = "api_version"

const (
	// AcceptVersionHeader is the preferred request header.
	AcceptVersionHeader = "Accept-Version"
	// APIVersionHeader is accepted as a fallback.
	APIVersionHeader = "X-API-Version"

	CurrentVersionHeader    = "X-Current-Version"
	SupportedVersionsHeader = "X-Supported-Versions"
)

// Middleware stamps every response with the server version and rejects requests
// for a version outside the supported range. Requests without a version are
// served as the current version.
func Middleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(CurrentVersionHeader, CurrentVersion.String())
			w.Header().Set(SupportedVersionsHeader, Range())

			header, raw := requested(r)
			version := CurrentVersion
			if raw != "" {
				v, err := ParseVersion(raw)
				if err != nil {
					httputil.WriteError(w, r, logger, apperrors.NewValidationError(header, raw, "invalid version format"))
					return
				}
				if !Supported(v) {
					logger.WithFields(logrus.Fields{
						"requested_version": v.String(),
						"current_version":   CurrentVersion.String(),
						"path":              r.URL.Path,
					}).Warn("Unsupported API version requested")
					httputil.WriteError(w, r, logger,
						apperrors.NewValidationError(header, raw, "unsupported API version; supported "+Range()))
					return
				}
				version = v
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), versionContextKey, version)))
		})
	}
}

func requested(r *http.Request) (string, string) {
	if v := r.Header.Get(AcceptVersionHeader); v != "" {
		return AcceptVersionHeader, v
	}
	if v := r.Header.Get(APIVersionHeader); v != "" {
		return APIVersionHeader, v
	}
	return "", ""
}

// FromContext returns the negotiated version, if the middleware ran.
func FromContext(ctx context.Context) (APIVersion, bool) {
	v, ok := ctx.Value(versionContextKey).(APIVersion)
	return v, ok
}
