package api

import (
	"net/http"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"meldhub/config"
)

const authzModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

func newEnforcer() (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(authzModel)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, err
	}
	// Management surface is admin-only. Intake service accounts may
	// only file submissions.
	if _, err := enforcer.AddPolicies([][]string{
		{"admin", "/api/admin/*", "*"},
		{"admin", "/api/incidents", "POST"},
		{"intake", "/api/incidents", "POST"},
	}); err != nil {
		return nil, err
	}
	return enforcer, nil
}

// roleFor maps a bearer credential onto an authorization subject.
func roleFor(cfg *config.AppConfig, token string) string {
	if token == "" {
		return ""
	}
	switch token {
	case cfg.Auth.AdminToken:
		return "admin"
	case cfg.Auth.IntakeToken:
		return "intake"
	}
	return ""
}

// authorize guards the token-authenticated routes through the policy
// engine. Public map and statistics reads never pass through here.
func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := roleFor(s.cfg, bearerToken(r))
		if role == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "common.unauthorized"})
			return
		}
		allowed, err := s.enforcer.Enforce(role, r.URL.Path, r.Method)
		if err != nil || !allowed {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "common.forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
