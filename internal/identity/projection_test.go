package identity

import (
	"reflect"
	"sort"
	"testing"

	"pallas.athemath.org/internal/access"
)

func projUser(id, username string, level access.Level) *User {
	return &User{ID: id, Username: username, Email: username + "@example.org", Level: level}
}

func fieldNames(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestProjectUserAdminSeesFullRecord(t *testing.T) {
	viewer := projUser("a", "alice", access.Admin)
	target := projUser("b", "bob", access.Student)
	got := ProjectUser(viewer, target, true)
	want := []string{"access_level", "created_at", "email", "id", "updated_at", "username"}
	if !reflect.DeepEqual(fieldNames(got), want) {
		t.Fatalf("admin projection fields = %v, want %v", fieldNames(got), want)
	}
}

func TestProjectUserStaffSeesAccessLevelLabel(t *testing.T) {
	viewer := projUser("a", "alice", access.Staff)
	target := projUser("b", "bob", access.Owner)
	got := ProjectUser(viewer, target, true)
	want := []string{"access_level", "email", "id", "username"}
	if !reflect.DeepEqual(fieldNames(got), want) {
		t.Fatalf("staff projection fields = %v, want %v", fieldNames(got), want)
	}
	if got["access_level"] != "owner" {
		t.Fatalf("access level must be the display label, got %v", got["access_level"])
	}
}

func TestProjectUserStudentSeesBasicFields(t *testing.T) {
	viewer := projUser("a", "alice", access.Student)
	target := projUser("b", "bob", access.Staff)
	got := ProjectUser(viewer, target, true)
	want := []string{"email", "id", "username"}
	if !reflect.DeepEqual(fieldNames(got), want) {
		t.Fatalf("student projection fields = %v, want %v", fieldNames(got), want)
	}
}

func TestProjectUserBelowStudentDeniedExplicitTarget(t *testing.T) {
	viewer := projUser("a", "alice", access.Unauthenticated)
	target := projUser("b", "bob", access.Student)
	if got := ProjectUser(viewer, target, true); got != nil {
		t.Fatalf("below-student viewer must get nothing for an explicit target, got %v", got)
	}
}

func TestProjectUserSelfServiceFallback(t *testing.T) {
	viewer := projUser("a", "alice", access.Unauthenticated)
	got := ProjectUser(viewer, viewer, false)
	want := []string{"email", "id", "username"}
	if !reflect.DeepEqual(fieldNames(got), want) {
		t.Fatalf("self-service projection fields = %v, want %v", fieldNames(got), want)
	}
}

func TestProjectUserSelfAlwaysSeesMinimum(t *testing.T) {
	// A user always sees at least id/username/email of their own record,
	// whatever their global level.
	for _, lvl := range []access.Level{access.Unauthenticated, access.Student, access.Staff, access.Admin, access.Owner} {
		viewer := projUser("a", "alice", lvl)
		got := ProjectUser(viewer, viewer, true)
		for _, field := range []string{"id", "username", "email"} {
			if _, ok := got[field]; !ok {
				t.Fatalf("level %v: self projection missing %q: %v", lvl, field, got)
			}
		}
	}
}

func TestProjectGroupAdminSeesFullRecord(t *testing.T) {
	g := &Group{ID: "g1", Name: "G", Members: []string{"a", "b"}, Admins: []string{"a"}, CreatedBy: "a"}
	viewer := projUser("a", "alice", access.Student)
	got := ProjectGroup(viewer, g)
	want := []string{"admins", "created_at", "created_by", "id", "name", "updated_at", "users"}
	if !reflect.DeepEqual(fieldNames(got), want) {
		t.Fatalf("group admin projection fields = %v, want %v", fieldNames(got), want)
	}
}

func TestProjectGroupMemberAndNonMemberBranchesAreIdentical(t *testing.T) {
	// The member and non-member branches intentionally produce the same
	// restricted field set. If this test fails, one branch was changed
	// without a decision on the other; do not "fix" it silently.
	g := &Group{ID: "g1", Name: "G", Members: []string{"m"}, Admins: []string{"a"}}
	member := projUser("m", "mona", access.Student)
	outsider := projUser("x", "xeno", access.Student)

	memberView := ProjectGroup(member, g)
	outsiderView := ProjectGroup(outsider, g)
	if !reflect.DeepEqual(fieldNames(memberView), fieldNames(outsiderView)) {
		t.Fatalf("restricted branches diverged: member=%v outsider=%v",
			fieldNames(memberView), fieldNames(outsiderView))
	}
	want := []string{"admins", "name", "users"}
	if !reflect.DeepEqual(fieldNames(memberView), want) {
		t.Fatalf("restricted projection fields = %v, want %v", fieldNames(memberView), want)
	}
}

func TestProjectGroupCopiesSlices(t *testing.T) {
	g := &Group{ID: "g1", Name: "G", Members: []string{"m"}, Admins: []string{"a"}}
	viewer := projUser("m", "mona", access.Student)
	got := ProjectGroup(viewer, g)
	users := got["users"].([]string)
	users[0] = "tampered"
	if g.Members[0] != "m" {
		t.Fatal("projection must not alias the group's member slice")
	}
}
