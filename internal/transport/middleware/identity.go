// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/adiadia/workflow-core/internal/auth"
)

const healthzPath = "/healthz"
const metricsPath = "/metrics"
const versionPath = "/version"

const (
	HeaderUserID     = "X-User-Id"
	HeaderUserGroups = "X-User-Groups"
)

// GatewayIdentity reads the caller established by the session gateway from
// X-User-Id and X-User-Groups and stores it on the request context. With
// required set, requests without a user id are rejected, except /healthz,
// /metrics, and /version.
func GatewayIdentity(required bool, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthzPath || r.URL.Path == metricsPath || r.URL.Path == versionPath {
				next.ServeHTTP(w, r)
				return
			}

			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				if required {
					logger.Warn("request blocked by identity middleware",
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
					)
					http.Error(w, "missing user identity", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			id := auth.Identity{
				UserID: userID,
				Groups: auth.ParseGroups(r.Header.Get(HeaderUserGroups)),
			}

			// Preserve the identity on the current request pointer so outer
			// middleware (request logging) can read user_id after next returns.
			*r = *r.WithContext(auth.WithIdentity(r.Context(), id))
			next.ServeHTTP(w, r)
		})
	}
}
