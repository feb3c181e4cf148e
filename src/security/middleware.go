// Package security guards the HTTP command surface with a bearer token
// checked against a bcrypt hash from the environment.
package security

import (
	"net/http"
	"strings"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// RequireToken returns middleware that rejects requests whose bearer token
// does not match the configured bcrypt hash. An empty hash disables the check.
func RequireToken(tokenHash string) func(http.Handler) http.Handler {
	if tokenHash == "" {
		logger.Warn("API_TOKEN_HASH not set, command endpoints are unauthenticated")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
				logger.WithField("remote", r.RemoteAddr).Warn("rejected request with bad token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}

// HashToken produces the bcrypt hash for a token, for provisioning.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
