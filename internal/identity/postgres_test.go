package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"pallas.athemath.org/internal/access"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	return NewPGStore(db), mock, func() { db.Close() }
}

func TestPGUserCreateMapsUniqueViolation(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "taken", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Users(context.Background()).Create(context.Background(), &User{
		ID: "u1", Username: "taken", Email: "t@example.org",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on unique violation, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGUserFindNotFound(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectQuery("select id, username, email, password_hash, access_level.*from users where id=").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Users(context.Background()).Find(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGUserFindScansPendingChallenge(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "access_level",
		"pending_email", "pending_key_hash", "pending_attempts", "pending_initiated_at",
		"created_at", "updated_at", "version",
	}).AddRow("u1", "anna", "a@example.org", "hash", int(access.Staff),
		"next@example.org", "keyhash", 2, now,
		now, now, 3)
	mock.ExpectQuery("select id, username, email, password_hash, access_level.*from users where username=").
		WithArgs("anna").
		WillReturnRows(rows)

	u, err := store.Users(context.Background()).FindByUsername(context.Background(), "anna")
	if err != nil {
		t.Fatalf("FindByUsername: %v", err)
	}
	if u.Level != access.Staff {
		t.Fatalf("level = %v, want staff", u.Level)
	}
	if u.Pending == nil || u.Pending.NewEmail != "next@example.org" || u.Pending.Attempts != 2 {
		t.Fatalf("pending challenge not scanned: %+v", u.Pending)
	}
	if u.Version != 3 {
		t.Fatalf("version = %d, want 3", u.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGUserSaveConflictOnStaleVersion(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("update users set email=").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "u1", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	u := &User{ID: "u1", Email: "a@example.org", Version: 4}
	err := store.Users(context.Background()).Save(context.Background(), u)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}
	if u.Version != 4 {
		t.Fatalf("version must not advance on conflict, got %d", u.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGUserSaveAdvancesVersion(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("update users set email=").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), "u1", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u := &User{ID: "u1", Email: "a@example.org", Version: 4}
	if err := store.Users(context.Background()).Save(context.Background(), u); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if u.Version != 5 {
		t.Fatalf("version = %d, want 5", u.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGGroupCreateMapsUniqueViolation(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("insert into groups").
		WithArgs(sqlmock.AnyArg(), "Taken", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Groups(context.Background()).Create(context.Background(), &Group{ID: "g1", Name: "Taken"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate name, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGGroupRoundTripsMemberLists(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "name", "members", "admins", "created_by", "created_at", "updated_at", "version",
	}).AddRow("g1", "Band", []byte(`["a","b"]`), []byte(`["a"]`), "a", now, now, 0)
	mock.ExpectQuery("select id, name, members, admins.*from groups where name=").
		WithArgs("Band").
		WillReturnRows(rows)

	g, err := store.Groups(context.Background()).FindByName(context.Background(), "Band")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if g.RoleOf("a") != access.GroupAdmin || g.RoleOf("b") != access.Member {
		t.Fatalf("member lists not decoded: members=%v admins=%v", g.Members, g.Admins)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGGroupSaveConflictOnStaleVersion(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	mock.ExpectExec("update groups set name=").
		WithArgs("Band", []byte(`["a","b"]`), []byte(`["a"]`), sqlmock.AnyArg(), "g1", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	g := &Group{ID: "g1", Name: "Band", Members: []string{"a", "b"}, Admins: []string{"a"}, Version: 2}
	err := store.Groups(context.Background()).Save(context.Background(), g)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGListByMemberUsesContainment(t *testing.T) {
	store, mock, done := newMockStore(t)
	defer done()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "name", "members", "admins", "created_by", "created_at", "updated_at", "version",
	}).AddRow("g1", "One", []byte(`["u1"]`), []byte(`[]`), "u1", now, now, 0)
	mock.ExpectQuery("select id, name, members, admins.*from groups where members @>").
		WithArgs([]byte(`["u1"]`)).
		WillReturnRows(rows)

	groups, err := store.Groups(context.Background()).ListByMember(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListByMember: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "One" {
		t.Fatalf("unexpected groups: %v", groups)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
