package main

import (
	"net/http"
	"strings"

	"github.com/opsbots/machinist/internal/authgate"
)

// sessionCookieName is the cookie carrying the signed web session.
const sessionCookieName = "machinist_session"

// credentialsFromRequest extracts whatever credentials the request
// carries. Interactive marks browser-type callers, which prefer a
// login redirect over a bare 401.
func credentialsFromRequest(r *http.Request) authgate.Credentials {
	creds := authgate.Credentials{
		Interactive: strings.Contains(r.Header.Get("Accept"), "text/html"),
	}

	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		creds.BearerToken = strings.TrimPrefix(h, "Bearer ")
	}

	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		creds.SessionCookie = cookie.Value
	}

	return creds
}

// guard wraps a handler with an authorization check under the given
// policy. Streaming endpoints do their own in-band check instead.
func (s *server) guard(policy authgate.Policy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.gate.Authorize(
			r.Context(), credentialsFromRequest(r), policy,
		); err != nil {
			s.writeError(w, r, "authorize request", err)
			return
		}

		next(w, r)
	}
}
