package approval

// RoleDirectory maps an approver role to the people currently holding it.
// Backed in production by an IdP group lookup; tests and the CLI use the
// static form.
type RoleDirectory interface {
	Members(role string) []string
}

// StaticDirectory is a fixed role → members table.
type StaticDirectory map[string][]string

// Members returns the configured members of a role, nil when unknown.
func (d StaticDirectory) Members(role string) []string {
	return d[role]
}

// resolveRoles flattens roles into a deduplicated approver list, preserving
// first-seen order.
func resolveRoles(dir RoleDirectory, roles []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, role := range roles {
		for _, member := range dir.Members(role) {
			if !seen[member] {
				seen[member] = true
				out = append(out, member)
			}
		}
	}
	return out
}
