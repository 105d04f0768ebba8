package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fieldgate/internal/engine/auth"
)

func TestHasRoleHierarchy(t *testing.T) {
	assert.True(t, auth.HasRole(auth.RoleAdmin, auth.RoleSafetyManager))
	assert.True(t, auth.HasRole(auth.RoleSafetyManager, auth.RoleSafetyManager))
	assert.True(t, auth.HasRole(auth.RoleSafetyManager, auth.RoleSupervisor))
	assert.False(t, auth.HasRole(auth.RoleSupervisor, auth.RoleSafetyManager))
	assert.False(t, auth.HasRole(auth.RoleFieldWorker, auth.RoleSupervisor))
}

func TestHasRoleUnknownDenies(t *testing.T) {
	assert.False(t, auth.HasRole(auth.Role("manager"), auth.RoleFieldWorker))
	assert.False(t, auth.HasRole(auth.Role(""), auth.RoleFieldWorker))
}

func TestParseRole(t *testing.T) {
	r, err := auth.ParseRole("safety_manager")
	assert.NoError(t, err)
	assert.Equal(t, auth.RoleSafetyManager, r)

	_, err = auth.ParseRole("superuser")
	assert.Error(t, err)
}
