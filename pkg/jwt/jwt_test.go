package jwt

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestValidateToken(t *testing.T) {
	manager := NewManager("test-secret-key-for-unit-tests-only", 15*time.Minute)

	userID := uuid.New()
	token, err := manager.GenerateToken(userID, "alice")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	claims, err := manager.ValidateToken(token)
	assert.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "alice", claims.DisplayName)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	manager := NewManager("test-secret-key-for-unit-tests-only", 15*time.Minute)
	other := NewManager("another-secret-key-entirely-different", 15*time.Minute)

	token, err := manager.GenerateToken(uuid.New(), "bob")
	assert.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	manager := NewManager("test-secret-key-for-unit-tests-only", -1*time.Minute)

	token, err := manager.GenerateToken(uuid.New(), "carol")
	assert.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.Error(t, err)
}
