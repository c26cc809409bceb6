// Package authz maps roles to capabilities.
//
// Roles are lateral rather than hierarchical: a data steward cannot create
// jobs and a researcher cannot adjust budgets. Decisions here are pure
// functions of the caller's claims and the target resource, so the HTTP
// layer can deny before touching storage.
package authz

import (
	"github.com/google/uuid"

	"github.com/veildata/veil/internal/auth"
	"github.com/veildata/veil/internal/model"
)

// CanManageUsers reports whether the caller may create users or read
// arbitrary user records.
func CanManageUsers(claims *auth.Claims) bool {
	return claims.Role == model.RoleAdmin
}

// CanCreateJob reports whether the caller may submit jobs. Only researchers
// and admins spend budget; service roles have none to spend.
func CanCreateJob(claims *auth.Claims) bool {
	return claims.Role == model.RoleResearcher || claims.Role == model.RoleAdmin
}

// CanViewJob reports whether the caller may read the given job and its runs.
// Owners see their own jobs; engine and admin see all; data stewards see all
// (they audit spending against jobs).
func CanViewJob(claims *auth.Claims, ownerID uuid.UUID) bool {
	switch claims.Role {
	case model.RoleAdmin, model.RoleEngine, model.RoleDataSteward:
		return true
	}
	return IsOwner(claims, ownerID)
}

// CanActOnJob reports whether the caller may mutate the given job: upload a
// script, refine, release or delete. Only the owner or an admin.
func CanActOnJob(claims *auth.Claims, ownerID uuid.UUID) bool {
	if claims.Role == model.RoleAdmin {
		return true
	}
	return IsOwner(claims, ownerID)
}

// CanViewAllJobs reports whether the caller may list jobs across all users.
func CanViewAllJobs(claims *auth.Claims) bool {
	switch claims.Role {
	case model.RoleAdmin, model.RoleEngine, model.RoleDataSteward:
		return true
	}
	return false
}

// CanSetJobStatus reports whether the caller may patch a job's status blob.
// This is the engine's callback channel; admins keep it for manual repair.
func CanSetJobStatus(claims *auth.Claims) bool {
	return claims.Role == model.RoleEngine || claims.Role == model.RoleAdmin
}

// CanAdjustBudget reports whether the caller may override budget balances.
func CanAdjustBudget(claims *auth.Claims) bool {
	return claims.Role == model.RoleDataSteward || claims.Role == model.RoleAdmin
}

// CanViewBudget reports whether the caller may read the given user's budget.
// Everyone sees their own; stewards and admins see all.
func CanViewBudget(claims *auth.Claims, targetUserID uuid.UUID) bool {
	if claims.Role == model.RoleDataSteward || claims.Role == model.RoleAdmin {
		return true
	}
	return IsOwner(claims, targetUserID)
}

// IsOwner reports whether the claims' subject is the given user. A malformed
// subject denies; ValidateToken normally rejects those before this point.
func IsOwner(claims *auth.Claims, userID uuid.UUID) bool {
	callerID, err := claims.UserID()
	if err != nil {
		return false
	}
	return callerID == userID
}
