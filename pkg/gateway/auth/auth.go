package auth

import (
	"context"
	"net/http"
	"strings"
)

// Role describes what a monitor principal may do. Viewers watch; operators
// may intervene; supervisors additionally confirm critical escalations
// suggested for someone else's call.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleOperator, RoleSupervisor:
		return true
	}
	return false
}

// CanIntervene reports whether the role may issue takeover/escalate/end
// commands.
func (r Role) CanIntervene() bool {
	return r == RoleOperator || r == RoleSupervisor
}

type Principal struct {
	APIKey     string
	OperatorID string
	Role       Role
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
