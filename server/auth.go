package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// authMiddleware guards the worker control endpoint with a bearer token.
// Without a configured token it is a no-op.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	token := s.authToken()
	if token == "" {
		return next
	}

	tokenBytes := []byte(token)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		provided, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), tokenBytes) != 1 {
			unauthorizedResponse(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authToken() string {
	if s.config.Credentials == nil {
		return ""
	}
	return s.config.Credentials.AuthToken
}

func unauthorizedResponse(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"}) //nolint:errcheck
}
