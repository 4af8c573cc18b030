// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"

	"github.com/bureau-foundation/commandcenter/lib/netutil"
)

// requireToken rejects requests that do not carry token. An empty
// token disables the check.
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || validToken(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			netutil.WriteError(w, http.StatusUnauthorized, "Invalid token")
		})
	}
}

func validToken(r *http.Request, token string) bool {
	presented := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		if bearer, ok := strings.CutPrefix(header, "Bearer "); ok {
			presented = bearer
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

// logRequests logs one line per request after it completes.
func logRequests(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now() //nolint:realclock request latency
			wrapped := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(wrapped, r)
			logger.Debug("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", wrapped.Status(),
				"duration", time.Since(start), //nolint:realclock request latency
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

func compress(next http.Handler) http.Handler {
	return gzhttp.GzipHandler(next)
}
