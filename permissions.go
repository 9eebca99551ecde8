package auth

import (
	"sort"
	"strings"
)

// Permission is a set of capability bits. A role mask is the OR of the
// flags it grants.
type Permission uint64

// Capability flags. Bit positions are reserved and must never be reused.
// The sign bit of the signed 64 bit column is never used so stored masks
// stay non-negative.
const (
	PermissionRead   Permission = 1 << 0
	PermissionEdit   Permission = 1 << 1
	PermissionCreate Permission = 1 << 2
	PermissionDelete Permission = 1 << 3
	PermissionAdmin  Permission = 1 << 62
)

// NoPermissions is the empty mask.
const NoPermissions Permission = 0

// AllPermissions is the OR of every defined flag.
const AllPermissions = PermissionRead | PermissionEdit | PermissionCreate | PermissionDelete | PermissionAdmin

var permissionNames = map[Permission]string{
	PermissionRead:   "read",
	PermissionEdit:   "edit",
	PermissionCreate: "create",
	PermissionDelete: "delete",
	PermissionAdmin:  "admin",
}

// HasPermission reports whether every bit of flag is present in mask.
func HasPermission(mask, flag Permission) bool {
	return mask&flag == flag
}

// AddPermission ORs flag into mask. Bits outside AllPermissions are dropped.
func AddPermission(mask, flag Permission) Permission {
	return (mask | flag) & AllPermissions
}

// RemovePermission clears flag from mask.
func RemovePermission(mask, flag Permission) Permission {
	return (mask &^ flag) & AllPermissions
}

// NormalizeMask converts a stored value into a valid mask. Negative values and
// undefined bits never grant anything.
func NormalizeMask(raw int64) Permission {
	return Permission(uint64(raw)) & AllPermissions
}

// MaskFromPointer treats an absent value as no permissions.
func MaskFromPointer(raw *int64) Permission {
	if raw == nil {
		return NoPermissions
	}
	return NormalizeMask(*raw)
}

// Has reports whether every bit of flag is present.
func (p Permission) Has(flag Permission) bool {
	return HasPermission(p, flag)
}

// Add returns p with flag granted.
func (p Permission) Add(flag Permission) Permission {
	return AddPermission(p, flag)
}

// Remove returns p with flag revoked.
func (p Permission) Remove(flag Permission) Permission {
	return RemovePermission(p, flag)
}

// Int64 returns the storage representation.
func (p Permission) Int64() int64 {
	return int64(p & AllPermissions)
}

// Names lists the defined flags present in p, sorted by bit position.
func (p Permission) Names() []string {
	flags := make([]Permission, 0, len(permissionNames))
	for flag := range permissionNames {
		if p.Has(flag) {
			flags = append(flags, flag)
		}
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })

	names := make([]string, 0, len(flags))
	for _, flag := range flags {
		names = append(names, permissionNames[flag])
	}
	return names
}

func (p Permission) String() string {
	if p&AllPermissions == 0 {
		return "none"
	}
	return strings.Join(p.Names(), "|")
}

// ParsePermission parses a flag name, or several joined by "|" or ",".
func ParsePermission(value string) (Permission, bool) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" || value == "none" {
		return NoPermissions, value != ""
	}
	if value == "all" {
		return AllPermissions, true
	}

	var mask Permission
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == '|' || r == ',' }) {
		part = strings.TrimSpace(part)
		found := false
		for flag, name := range permissionNames {
			if name == part {
				mask |= flag
				found = true
				break
			}
		}
		if !found {
			return NoPermissions, false
		}
	}
	return mask, true
}

// Can reports whether the principal holds flag. A nil user is the anonymous
// principal and can do nothing; a user without a role holds no permissions.
func Can(user *User, flag Permission) bool {
	if user == nil || user.Role == nil {
		return false
	}
	return user.Role.Mask().Has(flag)
}

// Authorize returns ErrPermissionDenied when Can is false.
func Authorize(user *User, flag Permission) error {
	if Can(user, flag) {
		return nil
	}
	return ErrPermissionDenied
}

// IsAdministrator reports whether the principal holds the admin flag.
func IsAdministrator(user *User) bool {
	return Can(user, PermissionAdmin)
}
