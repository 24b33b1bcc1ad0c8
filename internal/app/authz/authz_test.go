package authz

import (
	"errors"
	"testing"
)

func TestRequire(t *testing.T) {
	table := New()
	table.Grant(RoleAdmin, "deployer")

	if err := table.Require(RoleAdmin, "deployer"); err != nil {
		t.Fatalf("expected deployer to hold admin: %v", err)
	}
	if err := table.Require(RoleAdmin, "user1"); !errors.Is(err, ErrUnauthorizedAccount) {
		t.Fatalf("expected ErrUnauthorizedAccount, got %v", err)
	}

	table.Revoke(RoleAdmin, "deployer")
	if err := table.Require(RoleAdmin, "deployer"); !errors.Is(err, ErrUnauthorizedAccount) {
		t.Fatalf("expected revoked principal to fail, got %v", err)
	}
}

func TestRolesAreIndependent(t *testing.T) {
	table := New()
	table.Grant(RoleOracle, "relay")

	if table.Has(RoleAdmin, "relay") {
		t.Fatal("oracle grant must not imply admin")
	}
	if !table.Has(RoleOracle, "relay") {
		t.Fatal("expected relay to hold oracle role")
	}
}
