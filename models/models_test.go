package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// User tests
func TestNewUser(t *testing.T) {
	user := NewUser("  Alice@Example.COM ", "digest")

	assert.NotEqual(t, uuid.Nil, user.ID)
	assert.Equal(t, "alice@example.com", user.Email)
	assert.Equal(t, "digest", user.PasswordHash)
	assert.True(t, user.IsActive)
	assert.False(t, user.IsSuperadmin)
	assert.Zero(t, user.TokenEpoch)
	assert.Equal(t, user.CreatedAt, user.UpdatedAt)
}

func TestUser_FullName(t *testing.T) {
	u := &User{Email: "a@example.com"}
	assert.Equal(t, "a@example.com", u.FullName())

	u.FirstName = "Ada"
	assert.Equal(t, "Ada", u.FullName())

	u.LastName = "Lovelace"
	assert.Equal(t, "Ada Lovelace", u.FullName())
}

func TestUser_JSONHidesSecrets(t *testing.T) {
	u := NewUser("a@example.com", "$argon2id$secret")
	u.TokenEpoch = 7

	data, err := json.Marshal(u)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "argon2id")
	assert.NotContains(t, string(data), "token_epoch")
	assert.NotContains(t, string(data), "password")
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "users", User{}.TableName())
	assert.Equal(t, "roles", Role{}.TableName())
	assert.Equal(t, "permissions", Permission{}.TableName())
	assert.Equal(t, "password_reset_tokens", PasswordResetToken{}.TableName())
	assert.Equal(t, "app_config", ConfigEntry{}.TableName())
}

// RBAC tests
func TestNewPermission(t *testing.T) {
	p, err := NewPermission("admin:settings", "Manage settings", "")
	require.NoError(t, err)
	assert.Equal(t, "admin", p.Resource)
	assert.Equal(t, "settings", p.Action)
	assert.True(t, p.IsActive)

	for _, bad := range []string{"admin", ":read", "users:", "a:b:c", ""} {
		_, err := NewPermission(bad, "", "")
		assert.Error(t, err, bad)
	}
}

func TestNewRole(t *testing.T) {
	r := NewRole("editor", "Editor", "Edits things", 20)
	assert.NotEqual(t, uuid.Nil, r.ID)
	assert.True(t, r.IsActive)
	assert.False(t, r.IsSystem)
	assert.Equal(t, 20, r.Priority)
}

// Reset token tests
func TestPasswordResetToken_IsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tok := &PasswordResetToken{ExpiresAt: now.Add(time.Minute)}

	assert.False(t, tok.IsExpired(now))
	assert.True(t, tok.IsExpired(now.Add(time.Minute)))
	assert.True(t, tok.IsExpired(now.Add(time.Hour)))
}

// Session tests
func TestSessionCredential_ExpiresIn(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := &SessionCredential{ExpiresAt: now.Add(90 * time.Second)}

	assert.Equal(t, int64(90), c.ExpiresIn(now))
	assert.Equal(t, int64(0), c.ExpiresIn(now.Add(time.Hour)))
}

// Config entry tests
func TestConfigEntry_CheckValue(t *testing.T) {
	tests := []struct {
		name      string
		valueType ValueType
		value     string
		wantErr   bool
	}{
		{"string accepts anything", ValueTypeString, "anything", false},
		{"int accepts integer", ValueTypeInt, "587", false},
		{"int rejects text", ValueTypeInt, "lots", true},
		{"bool accepts yes", ValueTypeBool, "yes", false},
		{"bool accepts 0", ValueTypeBool, "0", false},
		{"bool rejects maybe", ValueTypeBool, "maybe", true},
		{"json accepts object", ValueTypeJSON, `{"a":1}`, false},
		{"json rejects garbage", ValueTypeJSON, `{a:1`, true},
		{"unknown type", ValueType("float"), "1.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &ConfigEntry{Key: "k", ValueType: tt.valueType}
			err := e.CheckValue(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigEntry_TypedValues(t *testing.T) {
	e := &ConfigEntry{Value: " 42 "}
	assert.Equal(t, 42, e.IntValue(0))

	e.Value = "nope"
	assert.Equal(t, 5, e.IntValue(5))
	assert.True(t, e.BoolValue(true))

	e.Value = "TRUE"
	assert.True(t, e.BoolValue(false))
}

func TestConfigEntry_Masked(t *testing.T) {
	secret := ConfigEntry{Key: "smtp_password", Value: "hunter2", IsSecret: true}
	assert.Equal(t, SecretMask, secret.Masked().Value)
	assert.Equal(t, "hunter2", secret.Value)

	empty := ConfigEntry{Key: "smtp_password", IsSecret: true}
	assert.Equal(t, "", empty.Masked().Value)

	plain := ConfigEntry{Key: "app_name", Value: "App"}
	assert.Equal(t, "App", plain.Masked().Value)
}
