package bootstrap

import "github.com/upb/authz-core/models"

// PermissionSpec describes a permission created on first start.
type PermissionSpec struct {
	Name        string
	DisplayName string
}

// RoleSpec describes a system role and the permissions it is kept in sync with.
type RoleSpec struct {
	Name           string
	DisplayName    string
	Description    string
	Priority       int
	AllPermissions bool
	Permissions    []string
}

// SuperadminRole is assigned to principals created by EnsureSuperadmin.
const SuperadminRole = "superadmin"

// DefaultPermissions is the permission catalogue.
var DefaultPermissions = []PermissionSpec{
	{"users:read", "View Users"},
	{"users:create", "Create Users"},
	{"users:update", "Update Users"},
	{"users:delete", "Delete Users"},
	{"roles:read", "View Roles"},
	{"roles:create", "Create Roles"},
	{"roles:update", "Update Roles"},
	{"roles:delete", "Delete Roles"},
	{"settings:read", "View Settings"},
	{"settings:update", "Update Settings"},
	{"admin:access", "Admin Panel Access"},
	{"admin:rbac", "Manage Roles and Assignments"},
	{"admin:settings", "Manage Runtime Configuration"},
}

// DefaultRoles are the system roles.
var DefaultRoles = []RoleSpec{
	{
		Name:           SuperadminRole,
		DisplayName:    "Super Admin",
		Description:    "Full system control",
		Priority:       100,
		AllPermissions: true,
	},
	{
		Name:        "admin",
		DisplayName: "Administrator",
		Description: "Administrative access",
		Priority:    50,
		Permissions: []string{
			"users:read", "users:create", "users:update", "users:delete",
			"roles:read", "roles:create", "roles:update", "roles:delete",
			"settings:read", "settings:update",
			"admin:access", "admin:rbac", "admin:settings",
		},
	},
	{
		Name:        "user",
		DisplayName: "Standard User",
		Description: "Regular user with basic access",
		Priority:    10,
	},
}

func entry(key, value string, vt models.ValueType, category, description string) models.ConfigEntry {
	return models.ConfigEntry{
		Key:         key,
		Value:       value,
		ValueType:   vt,
		Category:    category,
		Description: description,
		IsEditable:  true,
	}
}

func secret(key, category, description string) models.ConfigEntry {
	e := entry(key, "", models.ValueTypeString, category, description)
	e.IsSecret = true
	return e
}

// DefaultConfig returns the runtime settings seeded when missing.
func DefaultConfig() []models.ConfigEntry {
	env := entry("environment", "development", models.ValueTypeString, "general", "Deployment environment")
	env.IsEditable = false

	return []models.ConfigEntry{
		entry("app_name", "SampleApp", models.ValueTypeString, "general", "Application name"),
		entry("app_url", "http://localhost:3000", models.ValueTypeString, "general", "Frontend application URL"),
		entry("support_email", "support@example.com", models.ValueTypeString, "general", "Support email address"),
		env,
		entry("debug", "true", models.ValueTypeBool, "general", "Enable debug mode"),
		entry("log_level", "INFO", models.ValueTypeString, "general", "Logging level"),
		entry("json_logs", "false", models.ValueTypeBool, "general", "Output logs in JSON format"),

		entry("smtp_host", "smtp.gmail.com", models.ValueTypeString, "email", "SMTP server hostname"),
		entry("smtp_port", "587", models.ValueTypeInt, "email", "SMTP server port"),
		secret("smtp_user", "email", "SMTP username"),
		secret("smtp_password", "email", "SMTP password"),
		entry("smtp_from_email", "noreply@example.com", models.ValueTypeString, "email", "From email address"),
		entry("smtp_from_name", "SampleApp", models.ValueTypeString, "email", "From name"),
		entry("smtp_use_tls", "true", models.ValueTypeBool, "email", "Use TLS for SMTP"),

		entry("password_reset_expire_minutes", "30", models.ValueTypeInt, "security", "Password reset token expiry in minutes"),
		entry("require_email_verification", "false", models.ValueTypeBool, "security", "Require email verification for new users"),
		entry("allow_registration", "true", models.ValueTypeBool, "security", "Allow new user registration"),

		entry("maintenance_mode", "false", models.ValueTypeBool, "features", "Enable maintenance mode"),
		entry("maintenance_message", "We are currently performing maintenance. Please check back later.", models.ValueTypeString, "features", "Maintenance mode message"),
	}
}
