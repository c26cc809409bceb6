package authz_test

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/veildata/veil/internal/auth"
	"github.com/veildata/veil/internal/authz"
	"github.com/veildata/veil/internal/model"
)

func claimsFor(role model.Role, userID uuid.UUID) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID.String()},
		Email:            "caller@example.org",
		Role:             role,
	}
}

func TestCapabilitiesByRole(t *testing.T) {
	callerID := uuid.New()

	tests := []struct {
		role        model.Role
		manageUsers bool
		createJob   bool
		setStatus   bool
		adjust      bool
		viewAll     bool
	}{
		{model.RoleAdmin, true, true, true, true, true},
		{model.RoleResearcher, false, true, false, false, false},
		{model.RoleDataSteward, false, false, false, true, true},
		{model.RoleDeveloper, false, false, false, false, false},
		{model.RoleEngine, false, false, true, false, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			claims := claimsFor(tt.role, callerID)
			assert.Equal(t, tt.manageUsers, authz.CanManageUsers(claims))
			assert.Equal(t, tt.createJob, authz.CanCreateJob(claims))
			assert.Equal(t, tt.setStatus, authz.CanSetJobStatus(claims))
			assert.Equal(t, tt.adjust, authz.CanAdjustBudget(claims))
			assert.Equal(t, tt.viewAll, authz.CanViewAllJobs(claims))
		})
	}
}

func TestJobOwnership(t *testing.T) {
	owner := uuid.New()
	stranger := uuid.New()

	ownerClaims := claimsFor(model.RoleResearcher, owner)
	strangerClaims := claimsFor(model.RoleResearcher, stranger)

	assert.True(t, authz.CanViewJob(ownerClaims, owner))
	assert.True(t, authz.CanActOnJob(ownerClaims, owner))

	assert.False(t, authz.CanViewJob(strangerClaims, owner))
	assert.False(t, authz.CanActOnJob(strangerClaims, owner))

	// Engine and steward may read but not mutate someone else's job.
	engineClaims := claimsFor(model.RoleEngine, stranger)
	assert.True(t, authz.CanViewJob(engineClaims, owner))
	assert.False(t, authz.CanActOnJob(engineClaims, owner))

	stewardClaims := claimsFor(model.RoleDataSteward, stranger)
	assert.True(t, authz.CanViewJob(stewardClaims, owner))
	assert.False(t, authz.CanActOnJob(stewardClaims, owner))

	adminClaims := claimsFor(model.RoleAdmin, stranger)
	assert.True(t, authz.CanActOnJob(adminClaims, owner))
}

func TestBudgetVisibility(t *testing.T) {
	target := uuid.New()

	assert.True(t, authz.CanViewBudget(claimsFor(model.RoleResearcher, target), target))
	assert.False(t, authz.CanViewBudget(claimsFor(model.RoleResearcher, uuid.New()), target))
	assert.True(t, authz.CanViewBudget(claimsFor(model.RoleDataSteward, uuid.New()), target))
	assert.True(t, authz.CanViewBudget(claimsFor(model.RoleAdmin, uuid.New()), target))
}

func TestIsOwnerMalformedSubject(t *testing.T) {
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid"},
		Role:             model.RoleResearcher,
	}
	assert.False(t, authz.IsOwner(claims, uuid.New()))
	assert.False(t, authz.CanActOnJob(claims, uuid.New()))
}
