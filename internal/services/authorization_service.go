// internal/services/authorization_service.go
package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/javajoker/imi-ledger/internal/apperr"
)

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
	RoleSystem = "system"
)

// Principal is the caller as supplied by the identity collaborator.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

// SystemPrincipal is used by the sweeper and the disbursement executor.
var SystemPrincipal = Principal{Role: RoleSystem}

func (p Principal) actor() *uuid.UUID {
	if p.UserID == uuid.Nil {
		return nil
	}
	id := p.UserID
	return &id
}

type Permission string

const (
	PermissionDisputesResolve Permission = "disputes:resolve"
	PermissionPayoutsDecide   Permission = "payouts:decide"
	PermissionPayoutsComplete Permission = "payouts:complete"
	PermissionEscrowRelease   Permission = "escrow:release"
	PermissionOrdersFulfill   Permission = "orders:fulfill"
)

// Gate decides whether a principal holds a permission. owner is the user
// that owns the resource, or uuid.Nil when ownership does not apply.
type Gate interface {
	Authorize(ctx context.Context, principal Principal, permission Permission, owner uuid.UUID) error
}

// RoleGate is the default Gate: admins hold every permission, the system
// principal may settle escrows and complete payouts, and sellers may fulfill
// their own orders.
type RoleGate struct{}

func NewRoleGate() *RoleGate {
	return &RoleGate{}
}

func (g *RoleGate) Authorize(ctx context.Context, principal Principal, permission Permission, owner uuid.UUID) error {
	switch principal.Role {
	case RoleAdmin:
		return nil
	case RoleSystem:
		if permission == PermissionEscrowRelease || permission == PermissionPayoutsComplete {
			return nil
		}
	case RoleSeller:
		if permission == PermissionOrdersFulfill && owner != uuid.Nil && owner == principal.UserID {
			return nil
		}
	}
	return fmt.Errorf("%s lacks %s: %w", describe(principal), permission, apperr.ErrAuthorization)
}

func describe(p Principal) string {
	if p.UserID == uuid.Nil {
		return p.Role
	}
	return p.Role + " " + p.UserID.String()
}
