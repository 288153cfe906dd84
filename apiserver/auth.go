// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/juju/errors"
)

type principalKey struct{}

// callerPrincipal returns the authenticated principal stashed by the
// auth middleware. The zero principal means an unauthenticated route.
func callerPrincipal(r *http.Request) principal {
	p, _ := r.Context().Value(principalKey{}).(principal)
	return p
}

func withPrincipal(r *http.Request, p principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
}

// principal is the authenticated caller of a request.
type principal struct {
	admin      bool
	serverGUID string
}

// authenticate resolves the caller from the request headers: the
// shared admin key, or an agent token plus GUID. The error message is
// deliberately generic.
func (s *Server) authenticate(r *http.Request) (principal, error) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.adminKey)) == 1 {
			return principal{admin: true}, nil
		}
		return principal{}, errors.Unauthorizedf("invalid credentials")
	}

	token := r.Header.Get("X-Agent-Token")
	guid := r.Header.Get("X-Server-GUID")
	if token != "" && guid != "" {
		if err := s.tokens.Verify(r.Context(), guid, token); err != nil {
			return principal{}, errors.Unauthorizedf("invalid credentials")
		}
		return principal{serverGUID: guid}, nil
	}
	return principal{}, errors.Unauthorizedf("missing credentials")
}

// admin gates a handler on the shared admin key.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil || !p.admin {
			sendErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
			return
		}
		h(w, withPrincipal(r, p))
	}
}

// agentOrAdmin gates a handler on either credential kind.
func (s *Server) agentOrAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			sendErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
			return
		}
		h(w, withPrincipal(r, p))
	}
}
