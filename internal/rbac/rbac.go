// Package rbac gates API operations on the coarse roles an actor carries in
// the directory. Workflow templates use their own role vocabulary on top of
// this for per-stage approval rights.
package rbac

type Action string

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

const (
	RoleViewer   = "viewer"
	RoleEditor   = "editor"
	RoleApprover = "approver"
	RoleAdmin    = "admin"
)

var grants = map[string]map[Action]bool{
	RoleViewer: {
		ActionRead: true,
	},
	RoleEditor: {
		ActionRead: true,
		ActionEdit: true,
	},
	RoleApprover: {
		ActionRead:    true,
		ActionApprove: true,
	},
	RoleAdmin: {
		ActionRead:    true,
		ActionEdit:    true,
		ActionApprove: true,
		ActionAdmin:   true,
	},
}

// Allowed reports whether any of the actor's roles grants the action.
func Allowed(roles []string, action Action) bool {
	for _, role := range roles {
		if grants[role][action] {
			return true
		}
	}
	return false
}
