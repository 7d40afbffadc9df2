package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
)

// Identity issuance happens outside this service. The external identity
// provider signs an opaque principal token with a secret shared with us;
// the rating-submission path only verifies the signature, never issues
// or refreshes identities. The read path requires no authentication.

// SignPrincipal produces a bearer token for a principal ID. Exposed so
// the external issuer (and tests) can mint tokens with the shared secret.
func SignPrincipal(secret []byte, principalID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(principalID))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(principalID)) + "." + sig
}

// VerifyPrincipal validates a bearer token and returns the principal ID.
func VerifyPrincipal(secret []byte, token string) (string, bool) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	idBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(idBytes)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", false
	}
	return string(idBytes), true
}

// PrincipalMiddleware verifies a bearer token when present and injects
// the principal into the request context. Missing or invalid tokens just
// leave the context without a principal; RequirePrincipal rejects those
// on the paths that need one.
func (s *Server) PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			if id, valid := VerifyPrincipal([]byte(s.config.PrincipalSecret), token); valid {
				r = r.WithContext(withPrincipal(r.Context(), id))
			}
		}
		next.ServeHTTP(w, r)
	})
}

// RequirePrincipal rejects requests without an authenticated principal.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if PrincipalFromContext(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdminToken guards the internal job-trigger endpoints with the
// operator token.
func (s *Server) RequireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if s.config.AdminToken == "" || !hmac.Equal([]byte(token), []byte(s.config.AdminToken)) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
