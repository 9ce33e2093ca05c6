package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role groups permissions. Name is a unique, immutable slug.
type Role struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Description string    `json:"description,omitempty" db:"description"`
	// IsSystem roles cannot be deleted or renamed; only IsActive may change.
	IsSystem  bool      `json:"is_system" db:"is_system"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	Priority  int       `json:"priority" db:"priority"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Role model
func (Role) TableName() string {
	return "roles"
}

// NewRole creates an active custom role.
func NewRole(name, displayName, description string, priority int) *Role {
	now := time.Now().UTC()
	return &Role{
		ID:          uuid.New(),
		Name:        name,
		DisplayName: displayName,
		Description: description,
		IsActive:    true,
		Priority:    priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Permission is an atomic capability named "resource:action".
type Permission struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Resource    string    `json:"resource" db:"resource"`
	Action      string    `json:"action" db:"action"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Description string    `json:"description,omitempty" db:"description"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Permission model
func (Permission) TableName() string {
	return "permissions"
}

// NewPermission builds a permission from its "resource:action" name.
func NewPermission(name, displayName, description string) (*Permission, error) {
	resource, action, err := SplitPermissionName(name)
	if err != nil {
		return nil, err
	}
	return &Permission{
		ID:          uuid.New(),
		Name:        name,
		Resource:    resource,
		Action:      action,
		DisplayName: displayName,
		Description: description,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// SplitPermissionName splits "resource:action" into its parts.
func SplitPermissionName(name string) (resource, action string, err error) {
	resource, action, ok := strings.Cut(name, ":")
	if !ok || resource == "" || action == "" || strings.Contains(action, ":") {
		return "", "", fmt.Errorf("permission name %q must have the form resource:action", name)
	}
	return resource, action, nil
}

// RolePermission links a role to a permission.
type RolePermission struct {
	RoleID       uuid.UUID `json:"role_id" db:"role_id"`
	PermissionID uuid.UUID `json:"permission_id" db:"permission_id"`
}

// UserRole links a user to a role.
type UserRole struct {
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	RoleID     uuid.UUID  `json:"role_id" db:"role_id"`
	AssignedAt time.Time  `json:"assigned_at" db:"assigned_at"`
	AssignedBy *uuid.UUID `json:"assigned_by,omitempty" db:"assigned_by"`
}
