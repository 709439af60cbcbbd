// Package access resolves the external references a step touches into
// fully-qualified identifiers and checks that the caller may use them.
package access

import (
	"fmt"
	"strings"

	"github.com/GoCodeAlone/stepengine/scope"
)

// Permission is the kind of use a step makes of a reference.
type Permission string

const (
	PermissionView   Permission = "view"
	PermissionUse    Permission = "use"
	PermissionManage Permission = "manage"
)

// Reference kinds.
const (
	KindConnector = "connector"
	KindTemplate  = "template"
	KindStack     = "stack"
)

// Reference is an external reference resolved against a scope.
type Reference struct {
	Kind       string      `json:"kind"`
	Level      scope.Level `json:"level"`
	Identifier string      `json:"identifier"`
	// Raw is the reference as the caller wrote it.
	Raw        string     `json:"raw"`
	Permission Permission `json:"permission"`
}

// UnresolvedReferenceError is returned when a reference cannot be parsed or
// does not name anything known.
type UnresolvedReferenceError struct {
	Kind   string
	Raw    string
	Reason string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("unresolved %s reference %q: %s", e.Kind, e.Raw, e.Reason)
}

// ResolveRef qualifies raw against sc. References may be prefixed with
// "account." or "org." to point above the project; unprefixed references
// are project-level.
func ResolveRef(sc scope.Scope, kind, raw string, perm Permission) (Reference, error) {
	ref := Reference{Kind: kind, Raw: raw, Permission: perm}

	id := strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(id, "account."):
		ref.Level = scope.LevelAccount
		id = strings.TrimPrefix(id, "account.")
	case strings.HasPrefix(id, "org."):
		ref.Level = scope.LevelOrg
		id = strings.TrimPrefix(id, "org.")
	default:
		ref.Level = scope.LevelProject
	}

	if id == "" {
		return Reference{}, &UnresolvedReferenceError{Kind: kind, Raw: raw, Reason: "identifier is empty"}
	}
	if strings.ContainsAny(id, "/. ") {
		return Reference{}, &UnresolvedReferenceError{Kind: kind, Raw: raw, Reason: "identifier contains a separator"}
	}
	if err := sc.Validate(); err != nil {
		return Reference{}, &UnresolvedReferenceError{Kind: kind, Raw: raw, Reason: err.Error()}
	}

	ref.Identifier = sc.Path(ref.Level) + "/" + id
	return ref, nil
}
