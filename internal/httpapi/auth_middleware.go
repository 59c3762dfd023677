package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"policygateway/internal/agentauth"
)

type principalContextKey struct{}

// requireAPIKey authenticates the agent API key + HMAC signature headers
// per internal/agentauth, buffering the body so Authenticate can hash it
// and handlers can still decode it afterwards.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.APIKeyAuth == nil {
			writeErrorf(w, http.StatusUnauthorized, "UNAUTHENTICATED", "api key authentication is not configured")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeErrorf(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body exceeds the allowed size")
				return
			}
			writeErrorf(w, http.StatusBadRequest, "MALFORMED_REQUEST", "could not read request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		principal, err := s.APIKeyAuth.Authenticate(r, body)
		if err != nil {
			writeErrorf(w, http.StatusUnauthorized, "UNAUTHENTICATED", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) *agentauth.Principal {
	p, _ := ctx.Value(principalContextKey{}).(*agentauth.Principal)
	return p
}
