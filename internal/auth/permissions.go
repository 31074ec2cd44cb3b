package auth

const (
	PermRBACManage        = "rbac.manage"
	PermMembershipsManage = "memberships.manage"
)

var BuiltinPermissions = []Permission{
	{Key: PermRBACManage, Description: "Manage roles, permissions and assignments"},
	{Key: PermMembershipsManage, Description: "Enable or disable tenant memberships"},
}
