package staff

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cortexuvula/intakesync/internal/security"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginHandler serves POST /api/staff/login. Attempts are throttled per
// email when limiter is non-nil; a successful login clears that email's
// failed attempts.
func LoginHandler(dir *Directory, limiter *security.RateLimiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		var req loginRequest
		r.Body = http.MaxBytesReader(w, r.Body, 4096)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "email and password required"})
			return
		}

		if limiter != nil && !limiter.Allow(normalize(req.Email)) {
			slog.Warn("staff login throttled", "client_ip", security.ExtractClientIP(r.RemoteAddr))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many attempts"})
			return
		}

		user, ok := dir.Authenticate(req.Email, req.Password)
		if !ok {
			slog.Warn("staff login rejected", "client_ip", security.ExtractClientIP(r.RemoteAddr))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}

		if limiter != nil {
			limiter.Forget(user.Email)
		}
		slog.Info("staff login", "email", user.Email, "client_ip", security.ExtractClientIP(r.RemoteAddr))
		writeJSON(w, http.StatusOK, user)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
