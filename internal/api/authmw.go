package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/auth"
	"github.com/omniflow/preview/internal/web/response"
)

type contextKey string

// bodyKey carries the raw request body past the auth middleware, which has
// already consumed the stream to compute the signature.
const bodyKey contextKey = "rawBody"

// RawBody returns the request body bytes stashed by the auth middleware.
// Falls back to reading the request when the middleware did not run.
func RawBody(r *http.Request) []byte {
	if raw, ok := r.Context().Value(bodyKey).([]byte); ok {
		return raw
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil
	}
	return raw
}

// AuthMiddleware enforces the HMAC request scheme on control-plane routes.
// Empty credentials disable enforcement for local development.
func AuthMiddleware(creds auth.Credentials, logger *zap.Logger) func(http.Handler) http.Handler {
	var warnOnce sync.Once
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if creds.DevMode() {
				warnOnce.Do(func() {
					logger.Warn("api credentials not configured, authentication disabled")
				})
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			timestamp := r.Header.Get("X-Timestamp")
			signature := r.Header.Get("X-Signature")
			if key == "" || timestamp == "" || signature == "" {
				response.ErrorWithCode(w, http.StatusUnauthorized,
					"Missing authentication headers", "AUTH_MISSING_HEADERS")
				return
			}
			if key != creds.Key {
				response.ErrorWithCode(w, http.StatusUnauthorized,
					"Invalid API key", "AUTH_INVALID_KEY")
				return
			}
			if _, err := auth.ParseTimestamp(timestamp); err != nil {
				response.ErrorWithCode(w, http.StatusUnauthorized,
					"Invalid timestamp", "AUTH_INVALID_TIMESTAMP")
				return
			}
			if !auth.TimestampFresh(timestamp, 0) {
				response.ErrorWithCode(w, http.StatusUnauthorized,
					"Timestamp expired", "AUTH_TIMESTAMP_EXPIRED")
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "Failed to read request body")
				return
			}
			r.Body.Close()

			if !auth.Verify(r.Method, r.URL.Path, body, timestamp, signature, creds.Secret) {
				logger.Warn("rejected request with bad signature",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				response.ErrorWithCode(w, http.StatusUnauthorized,
					"Invalid signature", "AUTH_INVALID_SIGNATURE")
				return
			}

			// Downstream handlers re-read the body from the context.
			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), bodyKey, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
