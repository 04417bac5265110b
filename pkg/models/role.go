package models

import "fmt"

// Role identifies an agent's responsibility within the workflow.
// The role set is closed: routing, stage ordinals, and parse hooks are all
// keyed by these tags.
type Role string

// Known agent roles.
const (
	RoleConcept   Role = "concept"
	RoleBuilder   Role = "builder"
	RoleTexture   Role = "texture"
	RoleLighting  Role = "lighting"
	RoleValidator Role = "validator"
	RoleRender    Role = "render"
	RoleAnimation Role = "animation"
	RoleReviewer  Role = "reviewer"
)

// allRoles is the canonical enumeration used for validation.
var allRoles = map[Role]bool{
	RoleConcept:   true,
	RoleBuilder:   true,
	RoleTexture:   true,
	RoleLighting:  true,
	RoleValidator: true,
	RoleRender:    true,
	RoleAnimation: true,
	RoleReviewer:  true,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return allRoles[r]
}

// ParseRole converts a string to a Role, rejecting unknown tags.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// StageOrdinal returns the fixed stage ordinal used in artifact filenames.
// Ordinals are stable across runs so artifact names are deterministic:
// concept=00, builder=01, texture=02, lighting=02a, validator=02b,
// render=03, animation=04, save=05.
func (r Role) StageOrdinal() string {
	switch r {
	case RoleConcept:
		return "00"
	case RoleBuilder:
		return "01"
	case RoleTexture:
		return "02"
	case RoleLighting:
		return "02a"
	case RoleValidator:
		return "02b"
	case RoleRender:
		return "03"
	case RoleAnimation:
		return "04"
	default:
		return ""
	}
}

// RoleSave is the pseudo-role for the deterministic save fragment appended by
// the workflow engine. It is not an agent and never registered on the bus,
// but it owns stage ordinal 05 in artifact filenames.
const RoleSave Role = "save"

// SaveStageOrdinal is the ordinal of the engine-generated save fragment.
const SaveStageOrdinal = "05"
