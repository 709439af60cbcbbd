package access

import (
	"context"
	"errors"
	"testing"

	"github.com/GoCodeAlone/stepengine/scope"
)

var testScope = scope.Scope{Account: "acc", Org: "org", Project: "proj", Run: "r1"}

func TestResolveRefLevels(t *testing.T) {
	tests := []struct {
		raw       string
		wantLevel scope.Level
		wantID    string
	}{
		{"aws-prod", scope.LevelProject, "acc/org/proj/aws-prod"},
		{"org.aws-shared", scope.LevelOrg, "acc/org/aws-shared"},
		{"account.aws-root", scope.LevelAccount, "acc/aws-root"},
		{"  aws-prod ", scope.LevelProject, "acc/org/proj/aws-prod"},
	}
	for _, tt := range tests {
		ref, err := ResolveRef(testScope, KindConnector, tt.raw, PermissionUse)
		if err != nil {
			t.Errorf("ResolveRef(%q): %v", tt.raw, err)
			continue
		}
		if ref.Level != tt.wantLevel {
			t.Errorf("ResolveRef(%q).Level = %s, want %s", tt.raw, ref.Level, tt.wantLevel)
		}
		if ref.Identifier != tt.wantID {
			t.Errorf("ResolveRef(%q).Identifier = %q, want %q", tt.raw, ref.Identifier, tt.wantID)
		}
	}
}

func TestResolveRefRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "org.", "account.", "a/b", "org.x.y"} {
		_, err := ResolveRef(testScope, KindConnector, raw, PermissionUse)
		var ure *UnresolvedReferenceError
		if !errors.As(err, &ure) {
			t.Errorf("ResolveRef(%q): got %v, want *UnresolvedReferenceError", raw, err)
		}
	}
	if _, err := ResolveRef(scope.Scope{}, KindConnector, "x", PermissionUse); err == nil {
		t.Error("ResolveRef with empty scope should fail")
	}
}

func TestPolicyAuthorizer(t *testing.T) {
	a := NewPolicyAuthorizer()
	ctx := context.Background()

	use, _ := ResolveRef(testScope, KindConnector, "aws-prod", PermissionUse)
	manage, _ := ResolveRef(testScope, KindStack, "stackA", PermissionManage)

	if err := a.Authorize(ctx, Principal{ID: "alice", Roles: []Role{RoleDeployer}}, []Reference{use}); err != nil {
		t.Errorf("deployer should be allowed to use a connector, got: %v", err)
	}

	err := a.Authorize(ctx, Principal{ID: "alice", Roles: []Role{RoleDeployer}}, []Reference{use, manage})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected *DeniedError, got %T: %v", err, err)
	}
	if denied.Reference.Kind != KindStack {
		t.Errorf("denied reference kind = %q, want %q", denied.Reference.Kind, KindStack)
	}

	if err := a.Authorize(ctx, Principal{ID: "bob", Roles: []Role{RoleViewer, RoleAdmin}}, []Reference{use, manage}); err != nil {
		t.Errorf("any granting role should suffice, got: %v", err)
	}

	if err := a.Authorize(ctx, Principal{ID: "nobody"}, []Reference{use}); err == nil {
		t.Error("principal without roles should be denied")
	}
}

func TestPolicyAuthorizerRegisterPolicy(t *testing.T) {
	a := NewPolicyAuthorizer()
	a.RegisterPolicy(Policy{
		Role:        "project-operator",
		Levels:      []scope.Level{scope.LevelProject},
		Permissions: []Permission{PermissionUse},
		Kinds:       []string{KindConnector},
	})
	p := Principal{ID: "ops", Roles: []Role{"project-operator"}}
	ctx := context.Background()

	projectRef, _ := ResolveRef(testScope, KindConnector, "aws", PermissionUse)
	orgRef, _ := ResolveRef(testScope, KindConnector, "org.aws", PermissionUse)
	templateRef, _ := ResolveRef(testScope, KindTemplate, "tpl", PermissionUse)

	if err := a.Authorize(ctx, p, []Reference{projectRef}); err != nil {
		t.Errorf("project connector should be allowed: %v", err)
	}
	if err := a.Authorize(ctx, p, []Reference{orgRef}); err == nil {
		t.Error("org-level connector should be denied")
	}
	if err := a.Authorize(ctx, p, []Reference{templateRef}); err == nil {
		t.Error("template kind should be denied")
	}
}

func TestMemoryCatalog(t *testing.T) {
	c := NewMemoryCatalog(Connector{ID: "acc/org/proj/aws-prod", Provider: "aws", Selectors: []string{"b", "a", "a"}})
	ref, _ := ResolveRef(testScope, KindConnector, "aws-prod", PermissionUse)

	conn, err := c.Lookup(context.Background(), ref)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(conn.Selectors) != 2 || conn.Selectors[0] != "a" {
		t.Errorf("Selectors = %v, want normalized [a b]", conn.Selectors)
	}

	missing, _ := ResolveRef(testScope, KindConnector, "gcp", PermissionUse)
	if _, err := c.Lookup(context.Background(), missing); err == nil {
		t.Error("Lookup of unknown connector should fail")
	}
}
