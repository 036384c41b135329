// Package engine decides whether a validated identity may perform an operation.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"

	"nicknamer/server/internal/session/domain"
)

// ErrForbidden is returned by Check when the guard denies an operation.
var ErrForbidden = errors.New("forbidden")

// Operation names a guarded action.
type Operation string

// Operations known to the policy. Anything else is denied.
const (
	OpNameRead         Operation = "name.read"
	OpNameCreate       Operation = "name.create"
	OpNameUpdate       Operation = "name.update"
	OpNameDelete       Operation = "name.delete"
	OpNameRename       Operation = "name.rename"
	OpSessionRevoke    Operation = "session.revoke"
	OpSessionRevokeAll Operation = "session.revoke_all"
	OpSessionSweep     Operation = "session.sweep"
)

// Scope is the resource an operation targets. OwnerID is the user who owns it; empty means
// nobody can claim ownership.
type Scope struct {
	Kind    string
	ID      string
	OwnerID string
}

// Decision is the outcome of Authorize. Reason is for logs and is safe to show to the caller.
type Decision struct {
	Allowed bool
	Reason  string
}

const policyQuery = "allow := data.nicknamer.authz.allow; reason := data.nicknamer.authz.reason"

// authzPolicy grants admins every known operation, members read access, and members
// write access to scopes they own. Unknown operations and identities without roles are denied.
const authzPolicy = `package nicknamer.authz

default allow := false

known_ops := {
	"name.read", "name.create", "name.update", "name.delete", "name.rename",
	"session.revoke", "session.revoke_all", "session.sweep",
}

member_ops := {"name.read"}

owner_ops := {"name.create", "name.update", "name.delete", "name.rename", "session.revoke"}

has_role(r) if {
	some x in input.identity.roles
	x == r
}

is_owner if {
	input.scope.owner_id != ""
	input.scope.owner_id == input.identity.user_id
}

allow if {
	known_ops[input.operation]
	has_role("admin")
}

allow if {
	member_ops[input.operation]
	has_role("member")
}

allow if {
	owner_ops[input.operation]
	has_role("member")
	is_owner
}

reason := "allowed" if {
	allow
} else := "unknown operation" if {
	not known_ops[input.operation]
} else := "no roles" if {
	count(input.identity.roles) == 0
} else := "not owner of scope" if {
	owner_ops[input.operation]
	has_role("member")
} else := "insufficient role"
`

// Guard evaluates the authorization policy in process. It holds no mutable state and
// is safe for concurrent use.
type Guard struct {
	query rego.PreparedEvalQuery
}

// NewGuard compiles the policy. It fails only if the embedded policy does not compile.
func NewGuard(ctx context.Context) (*Guard, error) {
	q, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("authz.rego", authzPolicy),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile authorization policy: %w", err)
	}
	return &Guard{query: q}, nil
}

// Authorize decides whether id may perform op on scope. It denies on any missing input and
// on evaluation errors; it never allows by default.
func (g *Guard) Authorize(ctx context.Context, id *domain.Identity, op Operation, scope Scope) Decision {
	if id == nil || id.UserID == "" {
		return Decision{Reason: "no identity"}
	}
	if op == "" {
		return Decision{Reason: "unknown operation"}
	}
	roles := make([]any, 0, len(id.Roles))
	for _, r := range id.Roles {
		if r != "" {
			roles = append(roles, r)
		}
	}
	input := map[string]any{
		"identity": map[string]any{
			"user_id": id.UserID,
			"roles":   roles,
		},
		"operation": string(op),
		"scope": map[string]any{
			"kind":     scope.Kind,
			"id":       scope.ID,
			"owner_id": scope.OwnerID,
		},
	}
	rs, err := g.query.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(rs) == 0 {
		return Decision{Reason: "policy evaluation failed"}
	}
	allowed, _ := rs[0].Bindings["allow"].(bool)
	reason, _ := rs[0].Bindings["reason"].(string)
	if reason == "" {
		reason = "insufficient role"
	}
	if !allowed && reason == "allowed" {
		reason = "insufficient role"
	}
	return Decision{Allowed: allowed, Reason: reason}
}

// Check is Authorize returning ErrForbidden, wrapped with the reason, on denial.
func (g *Guard) Check(ctx context.Context, id *domain.Identity, op Operation, scope Scope) error {
	d := g.Authorize(ctx, id, op, scope)
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
	}
	return nil
}

// HealthCheck verifies the compiled policy still evaluates: an admin may sweep, an identity
// without roles may not.
func (g *Guard) HealthCheck(ctx context.Context) error {
	admin := &domain.Identity{UserID: "health", Roles: []string{"admin"}}
	if d := g.Authorize(ctx, admin, OpSessionSweep, Scope{}); !d.Allowed {
		return fmt.Errorf("policy denied admin: %s", d.Reason)
	}
	if d := g.Authorize(ctx, &domain.Identity{UserID: "health"}, OpNameRead, Scope{}); d.Allowed {
		return errors.New("policy allowed identity without roles")
	}
	return nil
}
