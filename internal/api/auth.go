package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/AaronLay10/Universalis/internal/config"
)

// Role is what an authenticated caller may do. Admins own the simulation
// lifecycle (start, stop); operators drive cycles (step, run, pause,
// resume) and read state.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

type credential struct {
	user string
	pass string
	role Role
}

// authConfig is the set of accepted basic-auth credentials. An empty set
// disables authentication.
type authConfig struct {
	creds []credential
}

var auth *authConfig

var roleEnv = []struct {
	role Role
	user string
	pass string
}{
	{RoleAdmin, "UNIVERSALIS_ADMIN_USER", "UNIVERSALIS_ADMIN_PASS"},
	{RoleOperator, "UNIVERSALIS_OPERATOR_USER", "UNIVERSALIS_OPERATOR_PASS"},
}

// InitAuth loads credentials from the environment (each variable also
// accepts the NAME_FILE form). With no users configured authentication is
// off. A user without a password, or operator credentials without admin
// ones, is a configuration error.
func InitAuth() error {
	cfg := &authConfig{}
	for _, re := range roleEnv {
		user, err := config.ResolveSecret(re.user)
		if err != nil {
			return err
		}
		if user == "" {
			continue
		}
		pass, err := config.RequireSecret(re.pass)
		if err != nil {
			return fmt.Errorf("%s is set: %w", re.user, err)
		}
		cfg.creds = append(cfg.creds, credential{user: user, pass: pass, role: re.role})
	}

	if len(cfg.creds) > 0 && cfg.creds[0].role != RoleAdmin {
		return errors.New("operator credentials require UNIVERSALIS_ADMIN_USER and UNIVERSALIS_ADMIN_PASS")
	}
	auth = cfg
	return nil
}

// IsAuthEnabled returns true if authentication is configured.
func IsAuthEnabled() bool {
	return auth != nil && len(auth.creds) > 0
}

// authenticate returns the caller's role, or "" for missing or wrong
// credentials. Without authentication everyone is an admin.
func authenticate(r *http.Request) Role {
	if !IsAuthEnabled() {
		return RoleAdmin
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	for _, c := range auth.creds {
		if secureCompare(user, c.user) && secureCompare(pass, c.pass) {
			return c.role
		}
	}
	return ""
}

// secureCompare compares in constant time.
func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requireAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="Universalis"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

// RequireRole wraps a handler and requires one of the specified roles.
func RequireRole(handler http.HandlerFunc, allowed ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := authenticate(r)
		if role == "" {
			requireAuth(w)
			return
		}
		for _, a := range allowed {
			if role == a {
				handler(w, r)
				return
			}
		}
		http.Error(w, "Forbidden", http.StatusForbidden)
	}
}

// RequireAnyRole admits admins and operators.
func RequireAnyRole(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin, RoleOperator)
}

// RequireAdmin admits admins only.
func RequireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin)
}
