package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	errNoCredentials = errors.New("missing API key")
	errBadScheme     = errors.New("authorization scheme must be Bearer")
	errInvalidKey    = errors.New("invalid API key")
)

// apiKeyHeader is accepted for clients that cannot set Authorization.
const apiKeyHeader = "X-API-Key"

// requestAPIKey returns the key presented by r. Authorization wins over
// X-API-Key when both are set.
func requestAPIKey(r *http.Request) (string, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, key, _ := strings.Cut(auth, " ")
		if !strings.EqualFold(scheme, "Bearer") {
			return "", errBadScheme
		}
		if key = strings.TrimSpace(key); key != "" {
			return key, nil
		}
		return "", errNoCredentials
	}
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return key, nil
	}
	return "", errNoCredentials
}

// authenticate checks r against the configured key. An empty configured key
// rejects every request.
func authenticate(r *http.Request, configured string) error {
	key, err := requestAPIKey(r)
	if err != nil {
		return err
	}
	if configured == "" || subtle.ConstantTimeCompare([]byte(key), []byte(configured)) != 1 {
		return errInvalidKey
	}
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := authenticate(r, s.config.APIKey); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="pluginhost"`)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}
