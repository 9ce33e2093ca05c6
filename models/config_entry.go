package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueType is the declared type of a configuration value.
type ValueType string

const (
	ValueTypeString ValueType = "string"
	ValueTypeInt    ValueType = "int"
	ValueTypeBool   ValueType = "bool"
	ValueTypeJSON   ValueType = "json"
)

// SecretMask replaces secret values in any view of a ConfigEntry.
const SecretMask = "********"

// ConfigEntry is a single runtime configuration value. Values are stored
// string-encoded and interpreted according to ValueType.
type ConfigEntry struct {
	Key         string    `json:"key" db:"key"`
	Value       string    `json:"value" db:"value"`
	ValueType   ValueType `json:"value_type" db:"value_type"`
	Category    string    `json:"category" db:"category"`
	Description string    `json:"description,omitempty" db:"description"`
	IsSecret    bool      `json:"is_secret" db:"is_secret"`
	IsEditable  bool      `json:"is_editable" db:"is_editable"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the ConfigEntry model
func (ConfigEntry) TableName() string {
	return "app_config"
}

// Masked returns a copy safe to hand to callers: secret values are replaced
// with SecretMask.
func (e ConfigEntry) Masked() ConfigEntry {
	if e.IsSecret && e.Value != "" {
		e.Value = SecretMask
	}
	return e
}

// CheckValue reports whether raw is a valid encoding for the entry's type.
func (e *ConfigEntry) CheckValue(raw string) error {
	switch e.ValueType {
	case ValueTypeInt:
		if _, err := strconv.Atoi(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("value for %s must be an integer", e.Key)
		}
	case ValueTypeBool:
		if _, ok := parseBool(raw); !ok {
			return fmt.Errorf("value for %s must be a boolean", e.Key)
		}
	case ValueTypeJSON:
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("value for %s must be valid JSON", e.Key)
		}
	case ValueTypeString, "":
	default:
		return fmt.Errorf("unknown value type %q for %s", e.ValueType, e.Key)
	}
	return nil
}

// IntValue returns the value as an int, or fallback if it does not parse.
func (e *ConfigEntry) IntValue(fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(e.Value))
	if err != nil {
		return fallback
	}
	return v
}

// BoolValue returns the value as a bool, or fallback if it does not parse.
func (e *ConfigEntry) BoolValue(fallback bool) bool {
	v, ok := parseBool(e.Value)
	if !ok {
		return fallback
	}
	return v
}

// parseBool accepts true/1/yes/on and false/0/no/off, case-insensitively.
func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	}
	return false, false
}
