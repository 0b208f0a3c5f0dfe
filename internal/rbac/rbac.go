package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionAnnotate Action = "annotate"
	ActionModerate Action = "moderate"
	ActionAdmin    Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionAnnotate || action == ActionModerate
	case RoleCommenter:
		return action == ActionRead || action == ActionAnnotate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Privileged reports whether the role may mutate annotations it does not
// own.
func Privileged(role Role) bool {
	return Can(role, ActionModerate)
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
