package access

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/GoCodeAlone/stepengine/scope"
)

// Role is a named set of permissions held by a principal.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleDeployer Role = "deployer"
	RoleViewer   Role = "viewer"
)

// Principal is the identity a step runs on behalf of.
type Principal struct {
	ID    string `json:"id"`
	Roles []Role `json:"roles,omitempty"`
}

// DeniedError is returned when a principal may not use a reference.
type DeniedError struct {
	Principal string
	Reference Reference
	Reason    string
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied: principal %q may not %s %s %q: %s",
		e.Principal, e.Reference.Permission, e.Reference.Kind, e.Reference.Identifier, e.Reason)
}

// Authorizer checks a batch of references for a principal. It returns nil
// when every reference is allowed, or a *DeniedError naming the first one
// that is not.
type Authorizer interface {
	Authorize(ctx context.Context, principal Principal, refs []Reference) error
}

// Policy lists what a role may do.
type Policy struct {
	Role Role
	// Levels the role may reach.
	Levels []scope.Level
	// Permissions the role may exercise.
	Permissions []Permission
	// Kinds restricts the reference kinds; empty allows all.
	Kinds []string
}

func (p Policy) allows(ref Reference) bool {
	if !slices.Contains(p.Levels, ref.Level) {
		return false
	}
	if !slices.Contains(p.Permissions, ref.Permission) {
		return false
	}
	return len(p.Kinds) == 0 || slices.Contains(p.Kinds, ref.Kind)
}

// PolicyAuthorizer is a role-policy Authorizer.
type PolicyAuthorizer struct {
	mu       sync.RWMutex
	policies map[Role]Policy
}

// NewPolicyAuthorizer creates a PolicyAuthorizer with default policies:
//   - RoleAdmin: every level, every permission
//   - RoleDeployer: every level, view and use
//   - RoleViewer: every level, view only
func NewPolicyAuthorizer() *PolicyAuthorizer {
	all := []scope.Level{scope.LevelAccount, scope.LevelOrg, scope.LevelProject}
	a := &PolicyAuthorizer{policies: make(map[Role]Policy)}
	a.policies[RoleAdmin] = Policy{
		Role:        RoleAdmin,
		Levels:      all,
		Permissions: []Permission{PermissionView, PermissionUse, PermissionManage},
	}
	a.policies[RoleDeployer] = Policy{
		Role:        RoleDeployer,
		Levels:      all,
		Permissions: []Permission{PermissionView, PermissionUse},
	}
	a.policies[RoleViewer] = Policy{
		Role:        RoleViewer,
		Levels:      all,
		Permissions: []Permission{PermissionView},
	}
	return a
}

// RegisterPolicy adds or replaces the policy for a role.
func (a *PolicyAuthorizer) RegisterPolicy(p Policy) {
	a.mu.Lock()
	a.policies[p.Role] = p
	a.mu.Unlock()
}

// Authorize implements Authorizer.
func (a *PolicyAuthorizer) Authorize(_ context.Context, principal Principal, refs []Reference) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, ref := range refs {
		if len(principal.Roles) == 0 {
			return &DeniedError{Principal: principal.ID, Reference: ref, Reason: "principal has no roles"}
		}
		allowed := false
		for _, role := range principal.Roles {
			if p, ok := a.policies[role]; ok && p.allows(ref) {
				allowed = true
				break
			}
		}
		if !allowed {
			return &DeniedError{
				Principal: principal.ID,
				Reference: ref,
				Reason:    fmt.Sprintf("no role in %v grants %s at %s level", principal.Roles, ref.Permission, ref.Level),
			}
		}
	}
	return nil
}

// AllowAll authorizes everything. It is used where authorization is
// enforced upstream.
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, Principal, []Reference) error { return nil }
