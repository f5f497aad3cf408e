package rbac

// RolePermissions is the default policy.
var RolePermissions = map[string][]string{
	"student": {
		"session:start",
		"session:answer",
		"session:submit",
		"session:view-own",
		"session:abandon",
		"asset:view",
	},
	"admin": {
		"*",
	},
}
