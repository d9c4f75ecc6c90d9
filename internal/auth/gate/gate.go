// Package gate answers who may decide on or inspect an approval. Policy is
// role-based and keyed by risk level, enforced through casbin so deploys can
// swap the embedded policy for an external one without code changes.
package gate

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/flowgate/flowgate/internal/apperr"
	"github.com/flowgate/flowgate/internal/risk"
)

// Tenant member roles as resolved by the upstream auth layer.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

const casbinModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Default policy: owner/admin decide at any risk level and see audit logs;
// members (write access) decide low-risk only; viewers decide nothing.
var defaultPolicies = [][]string{
	{"role:admin", "decision:low", "decide"},
	{"role:admin", "decision:medium", "decide"},
	{"role:admin", "decision:high", "decide"},
	{"role:admin", "audit", "view"},
	{"role:member", "decision:low", "decide"},
}

var defaultGroupings = [][]string{
	{"role:owner", "role:admin"},
}

type Gate struct {
	enforcer *casbin.Enforcer
}

func New() (*Gate, error) {
	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return nil, fmt.Errorf("gate model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("gate enforcer: %w", err)
	}
	for _, p := range defaultPolicies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, err
		}
	}
	for _, g := range defaultGroupings {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, err
		}
	}
	return &Gate{enforcer: e}, nil
}

// CanDecide reports whether role may approve or reject at the given level.
func (g *Gate) CanDecide(role string, level risk.Level) bool {
	ok, err := g.enforcer.Enforce("role:"+role, "decision:"+string(level), "decide")
	return err == nil && ok
}

// CanViewAudit reports whether role may read an approval's audit log.
// Visibility is owner/admin only regardless of risk; there is no
// filtered view for members.
func (g *Gate) CanViewAudit(role string) bool {
	ok, err := g.enforcer.Enforce("role:"+role, "audit", "view")
	return err == nil && ok
}

// RequireDecide is CanDecide returning the API-facing error.
func (g *Gate) RequireDecide(role string, level risk.Level) error {
	if !g.CanDecide(role, level) {
		return apperr.Forbidden("role %s may not decide %s-risk actions", role, level)
	}
	return nil
}

// RequireAudit is CanViewAudit returning the API-facing error.
func (g *Gate) RequireAudit(role string) error {
	if !g.CanViewAudit(role) {
		return apperr.Forbidden("role %s may not view audit logs", role)
	}
	return nil
}
