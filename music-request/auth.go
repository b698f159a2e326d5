package main

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	roleAdmin = "admin"
	roleUser  = "user"

	adminPasswordHeader = "X-Admin-Password"
)

// Credentials are the two shared passwords. Either may be a bcrypt hash.
// An empty admin password leaves admin functions open to anyone who gets past
// the user password (or to everyone when that is empty as well).
type Credentials struct {
	Admin string
	User  string
}

func matchSecret(secret, given string) bool {
	if strings.HasPrefix(secret, "$2a$") || strings.HasPrefix(secret, "$2b$") || strings.HasPrefix(secret, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(given)) == 1
}

// Role resolves the role a password grants. ok is false when the password
// does not open the app at all.
func (c Credentials) Role(password string) (role string, ok bool) {
	if c.Admin != "" && matchSecret(c.Admin, password) {
		return roleAdmin, true
	}
	if c.User != "" {
		if !matchSecret(c.User, password) {
			return "", false
		}
		if c.Admin == "" {
			return roleAdmin, true
		}
		return roleUser, true
	}
	if c.Admin == "" {
		return roleAdmin, true
	}
	return roleUser, true
}

// requireAdmin guards control endpoints with the admin password header.
func (c Credentials) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if role, ok := c.Role(r.Header.Get(adminPasswordHeader)); !ok || role != roleAdmin {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "admin password required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
