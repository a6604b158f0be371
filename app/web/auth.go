package web

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// authMiddleware enforces basic auth against the configured bcrypt hash.
// Username is fixed to "syncd", only the password is checked.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok && username == "syncd" {
			if err := bcrypt.CompareHashAndPassword([]byte(s.AuthHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="syncd API"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}
