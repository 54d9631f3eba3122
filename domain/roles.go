package domain

// Standard roles.
const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleStaff   = "staff"
	RoleAdmin   = "admin"
)
