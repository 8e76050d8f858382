package edge

import (
	"crypto/subtle"
	"net/http"
)

// TokenHandler implements GET /tunnel_jwt_generator (spec.md §6): issues a
// signed handshake token when username/password match the configured issuer
// credentials. If no issuer credentials are configured the endpoint does not
// exist at all (404); a configured-but-wrong credential is a 401.
func (e *Edge) TokenHandler(w http.ResponseWriter, r *http.Request) {
	if e.Config.JWTGeneratorUsername == "" || e.Config.JWTGeneratorPassword == "" {
		http.NotFound(w, r)
		return
	}

	q := r.URL.Query()
	user := q.Get("username")
	pass := q.Get("password")

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(e.Config.JWTGeneratorUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(e.Config.JWTGeneratorPassword)) == 1
	if !userOK || !passOK {
		http.Error(w, "Forbidden", http.StatusUnauthorized)
		return
	}

	tok, err := e.signToken()
	if err != nil {
		e.Logger.Error("token generator: sign failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(tok))
}
