package identity

import "pallas.athemath.org/internal/access"

// Field projection: a pure function of the viewer's rank and their
// relationship to the target. Nothing here touches the store.

// selfMinimum is the field set a user can always see on their own record.
var selfMinimum = []string{"id", "username", "email"}

// ProjectUser computes the visible subset of target for viewer.
// explicitTarget says whether the caller named a target themselves; an
// unprivileged caller without one is viewing their own record.
// Returns nil when the viewer's rank grants nothing.
func ProjectUser(viewer, target *User, explicitTarget bool) map[string]any {
	if viewer == nil || target == nil {
		return nil
	}
	if access.AtLeast(viewer.Level, access.Admin) {
		return userFields(target, []string{"id", "username", "email", "access_level", "created_at", "updated_at"})
	}

	var props []string
	switch {
	case access.AtLeast(viewer.Level, access.Staff):
		props = []string{"id", "username", "email", "access_level"}
	case access.AtLeast(viewer.Level, access.Student):
		props = []string{"id", "username", "email"}
	case !explicitTarget:
		props = []string{"id", "username", "email"}
	default:
		return nil
	}
	if viewer.ID == target.ID {
		props = union(props, selfMinimum)
	}
	return userFields(target, props)
}

// ProjectGroup computes the visible subset of g for viewer. Group admins
// see the full record. The member and non-member branches currently
// produce the same restricted set; see the divergence test before
// changing either.
func ProjectGroup(viewer *User, g *Group) map[string]any {
	if viewer == nil || g == nil {
		return nil
	}
	if access.AtLeast(g.RoleOf(viewer.ID), access.GroupAdmin) {
		return groupFields(g, []string{"id", "name", "users", "admins", "created_by", "created_at", "updated_at"})
	}
	var props []string
	if access.AtLeast(g.RoleOf(viewer.ID), access.Member) {
		props = []string{"users", "admins", "name"}
	} else {
		props = []string{"users", "admins", "name"}
	}
	return groupFields(g, props)
}

func userFields(u *User, props []string) map[string]any {
	out := make(map[string]any, len(props))
	for _, p := range props {
		switch p {
		case "id":
			out[p] = u.ID
		case "username":
			out[p] = u.Username
		case "email":
			out[p] = u.Email
		case "access_level":
			// Ordinals never leave the core; expose the display label.
			out[p] = u.Level.String()
		case "created_at":
			out[p] = u.CreatedAt
		case "updated_at":
			out[p] = u.UpdatedAt
		}
	}
	return out
}

func groupFields(g *Group, props []string) map[string]any {
	out := make(map[string]any, len(props))
	for _, p := range props {
		switch p {
		case "id":
			out[p] = g.ID
		case "name":
			out[p] = g.Name
		case "users":
			out[p] = append([]string(nil), g.Members...)
		case "admins":
			out[p] = append([]string(nil), g.Admins...)
		case "created_by":
			out[p] = g.CreatedBy
		case "created_at":
			out[p] = g.CreatedAt
		case "updated_at":
			out[p] = g.UpdatedAt
		}
	}
	return out
}

func union(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, v := range b {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
