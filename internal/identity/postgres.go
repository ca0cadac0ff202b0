package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"pallas.athemath.org/internal/access"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Every Save is a
// compare-and-swap on the row version, so concurrent read-modify-write
// cycles lose cleanly with ErrConflict instead of silently overwriting
// each other.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users(context.Context) UserStore   { return &pgUserStore{db: s.db} }
func (s *PGStore) Groups(context.Context) GroupStore { return &pgGroupStore{db: s.db} }

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// User store ---------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, access_level,
	pending_email, pending_key_hash, pending_attempts, pending_initiated_at,
	created_at, updated_at, version`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, email, password_hash, access_level, created_at, updated_at, version)
		 values($1,$2,$3,$4,$5,$6,$7,0)`,
		u.ID, u.Username, u.Email, u.PasswordHash, int(u.Level), u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username already taken", ErrConflict)
	}
	return err
}

func (s *pgUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *pgUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username)
	return scanUser(row)
}

func (s *pgUserStore) Save(ctx context.Context, u *User) error {
	var (
		pendingEmail   sql.NullString
		pendingHash    sql.NullString
		pendingTries   int
		pendingStarted sql.NullTime
	)
	if u.Pending != nil {
		pendingEmail = sql.NullString{String: u.Pending.NewEmail, Valid: true}
		pendingHash = sql.NullString{String: u.Pending.KeyHash, Valid: true}
		pendingTries = u.Pending.Attempts
		pendingStarted = sql.NullTime{Time: u.Pending.InitiatedAt, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`update users set email=$1, password_hash=$2, access_level=$3,
			pending_email=$4, pending_key_hash=$5, pending_attempts=$6, pending_initiated_at=$7,
			updated_at=$8, version=version+1
		 where id=$9 and version=$10`,
		u.Email, u.PasswordHash, int(u.Level),
		pendingEmail, pendingHash, pendingTries, pendingStarted,
		u.UpdatedAt, u.ID, u.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: user record changed concurrently", ErrConflict)
	}
	u.Version++
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u              User
		level          int
		pendingEmail   sql.NullString
		pendingHash    sql.NullString
		pendingTries   int
		pendingStarted sql.NullTime
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &level,
		&pendingEmail, &pendingHash, &pendingTries, &pendingStarted,
		&u.CreatedAt, &u.UpdatedAt, &u.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Level = levelFromOrdinal(level)
	if pendingEmail.Valid {
		u.Pending = &EmailChallenge{
			NewEmail:    pendingEmail.String,
			KeyHash:     pendingHash.String,
			Attempts:    pendingTries,
			InitiatedAt: pendingStarted.Time,
		}
	}
	return &u, nil
}

// Group store --------------------------------------------------------------

type pgGroupStore struct{ db *sql.DB }

const groupColumns = `id, name, members, admins, created_by, created_at, updated_at, version`

func (s *pgGroupStore) Create(ctx context.Context, g *Group) error {
	members, admins := marshalLists(g)
	_, err := s.db.ExecContext(ctx,
		`insert into groups(id, name, members, admins, created_by, created_at, updated_at, version)
		 values($1,$2,$3,$4,$5,$6,$7,0)`,
		g.ID, g.Name, members, admins, g.CreatedBy, g.CreatedAt, g.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: group name already taken", ErrConflict)
	}
	return err
}

func (s *pgGroupStore) Find(ctx context.Context, id string) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+groupColumns+` from groups where id=$1`, id)
	return scanGroup(row)
}

func (s *pgGroupStore) FindByName(ctx context.Context, name string) (*Group, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+groupColumns+` from groups where name=$1`, name)
	return scanGroup(row)
}

func (s *pgGroupStore) List(ctx context.Context) ([]*Group, error) {
	return s.queryGroups(ctx, `select `+groupColumns+` from groups order by created_at asc`)
}

func (s *pgGroupStore) ListByMember(ctx context.Context, userID string) ([]*Group, error) {
	return s.queryGroups(ctx,
		`select `+groupColumns+` from groups where members @> $1 order by created_at asc`,
		mustJSON([]string{userID}))
}

func (s *pgGroupStore) Save(ctx context.Context, g *Group) error {
	members, admins := marshalLists(g)
	res, err := s.db.ExecContext(ctx,
		`update groups set name=$1, members=$2, admins=$3, updated_at=$4, version=version+1
		 where id=$5 and version=$6`,
		g.Name, members, admins, g.UpdatedAt, g.ID, g.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: group record changed concurrently", ErrConflict)
	}
	g.Version++
	return nil
}

func (s *pgGroupStore) queryGroups(ctx context.Context, query string, args ...any) ([]*Group, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []*Group
	for rows.Next() {
		g, err := scanGroupRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func scanGroup(row *sql.Row) (*Group, error) {
	g, err := scanGroupFrom(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return g, nil
}

func scanGroupRow(rows *sql.Rows) (*Group, error) {
	return scanGroupFrom(rows.Scan)
}

func scanGroupFrom(scan func(...any) error) (*Group, error) {
	var (
		g       Group
		members []byte
		admins  []byte
	)
	if err := scan(&g.ID, &g.Name, &members, &admins, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt, &g.Version); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(members, &g.Members)
	_ = json.Unmarshal(admins, &g.Admins)
	return &g, nil
}

func marshalLists(g *Group) ([]byte, []byte) {
	return mustJSON(g.Members), mustJSON(g.Admins)
}

func mustJSON(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	data, _ := json.Marshal(v)
	return data
}

func levelFromOrdinal(n int) access.Level {
	return access.Level(n)
}
