package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken checks the bearer token on mutating endpoints. An empty
// configured token disables the check.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="labgoat"`)
			writeJSON(w, http.StatusUnauthorized, envelope{
				Success: false,
				Error:   "missing or invalid bearer token",
				Kind:    "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// cors lets tracking snippets on other origins reach the visitor endpoints.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
