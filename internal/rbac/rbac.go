package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

// Can reports whether a workspace membership role permits action.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Parse validates a role supplied by a client. Owner is never grantable.
func Parse(role string) (Role, bool) {
	switch Role(role) {
	case RoleViewer, RoleEditor:
		return Role(role), true
	default:
		return "", false
	}
}
