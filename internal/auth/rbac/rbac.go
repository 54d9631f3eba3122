// Package rbac is the static role → permission mapping.
package rbac

import (
	"slices"
	"strings"

	"go.pilab.hu/restodb/domain"
)

// Collection data
const (
	PermCollectionsRead   = "collections:read"
	PermCollectionsWrite  = "collections:write"
	PermCollectionsDelete = "collections:delete"
	PermCollectionsImport = "collections:import"
)

// Restaurant operations
const (
	PermMenuRead     = "menu:read"
	PermMenuManage   = "menu:manage"
	PermOrdersRead   = "orders:read"
	PermOrdersManage = "orders:manage"
	PermReportsRead  = "reports:read"
)

// User management
const (
	PermUsersReadSelf           = "users:read_self"
	PermUsersReadAll            = "users:read_all"
	PermUsersChangePasswordSelf = "users:change_password_self"
	PermUsersManage             = "users:manage"
)

// Sessions
const (
	PermSessionsListSelf    = "sessions:list_self"
	PermSessionsClearSelf   = "sessions:clear_self"
	PermSessionsClearOthers = "sessions:clear_others"
)

// Wildcard grants every permission.
const Wildcard = "*"

var selfService = []string{
	PermUsersReadSelf,
	PermUsersChangePasswordSelf,
	PermSessionsListSelf,
	PermSessionsClearSelf,
}

// RoleToPermissionsMap maps roles to the permissions they grant. A permission
// of the form "orders:*" grants every action on that resource.
var RoleToPermissionsMap = map[string][]string{
	domain.RoleStaff: append([]string{
		PermMenuRead,
		PermOrdersRead,
		PermOrdersManage,
	}, selfService...),
	domain.RoleManager: append([]string{
		PermMenuRead,
		PermMenuManage,
		"orders:*",
		PermReportsRead,
		PermUsersReadAll,
		PermCollectionsRead,
	}, selfService...),
	domain.RoleOwner: append([]string{
		"menu:*",
		"orders:*",
		"reports:*",
		"collections:*",
		"users:*",
		"sessions:*",
	}, selfService...),
	domain.RoleAdmin: {Wildcard},
}

// HasPermission reports whether the permission is granted directly or through
// any of the roles. Unknown roles grant nothing.
func HasPermission(roles, direct []string, permission string) bool {
	if permission == "" {
		return false
	}
	if grants(direct, permission) {
		return true
	}
	for _, role := range roles {
		if grants(RoleToPermissionsMap[role], permission) {
			return true
		}
	}
	return false
}

// Permissions lists the effective permissions of the roles plus the direct
// grants, sorted and de-duplicated. Wildcards are returned as written.
func Permissions(roles, direct []string) []string {
	var out []string
	out = append(out, direct...)
	for _, role := range roles {
		out = append(out, RoleToPermissionsMap[role]...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// KnownRole reports whether the role has an entry in the map.
func KnownRole(role string) bool {
	_, ok := RoleToPermissionsMap[role]
	return ok
}

func grants(granted []string, permission string) bool {
	resource, _, _ := strings.Cut(permission, ":")
	for _, g := range granted {
		switch {
		case g == permission, g == Wildcard:
			return true
		case strings.HasSuffix(g, ":*") && strings.TrimSuffix(g, ":*") == resource:
			return true
		}
	}
	return false
}
