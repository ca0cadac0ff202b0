package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store with the same versioned-save contract
// as the Postgres implementation. It backs tests and DSN-less dev runs;
// nothing survives a restart.
type MemStore struct {
	mu     sync.Mutex
	users  map[string]*User
	groups map[string]*Group
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:  make(map[string]*User),
		groups: make(map[string]*Group),
	}
}

func (s *MemStore) Users(context.Context) UserStore   { return (*memUserStore)(s) }
func (s *MemStore) Groups(context.Context) GroupStore { return (*memGroupStore)(s) }

type memUserStore MemStore

func (s *memUserStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username already taken", ErrConflict)
		}
	}
	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: duplicate user id", ErrConflict)
	}
	s.users[u.ID] = cloneUser(u)
	return nil
}

func (s *memUserStore) Find(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (s *memUserStore) FindByUsername(_ context.Context, username string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUserStore) Save(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != u.Version {
		return fmt.Errorf("%w: user record changed concurrently", ErrConflict)
	}
	u.Version++
	s.users[u.ID] = cloneUser(u)
	return nil
}

type memGroupStore MemStore

func (s *memGroupStore) Create(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.groups {
		if existing.Name == g.Name {
			return fmt.Errorf("%w: group name already taken", ErrConflict)
		}
	}
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func (s *memGroupStore) Find(_ context.Context, id string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGroup(g), nil
}

func (s *memGroupStore) FindByName(_ context.Context, name string) (*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.Name == name {
			return cloneGroup(g), nil
		}
	}
	return nil, ErrNotFound
}

func (s *memGroupStore) List(_ context.Context) ([]*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, cloneGroup(g))
	}
	sortGroups(out)
	return out, nil
}

func (s *memGroupStore) ListByMember(_ context.Context, userID string) ([]*Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Group
	for _, g := range s.groups {
		if contains(g.Members, userID) {
			out = append(out, cloneGroup(g))
		}
	}
	sortGroups(out)
	return out, nil
}

func (s *memGroupStore) Save(_ context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.groups[g.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != g.Version {
		return fmt.Errorf("%w: group record changed concurrently", ErrConflict)
	}
	g.Version++
	s.groups[g.ID] = cloneGroup(g)
	return nil
}

func sortGroups(groups []*Group) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
}

func cloneUser(u *User) *User {
	out := *u
	if u.Pending != nil {
		pending := *u.Pending
		out.Pending = &pending
	}
	return &out
}

func cloneGroup(g *Group) *Group {
	out := *g
	out.Members = append([]string(nil), g.Members...)
	out.Admins = append([]string(nil), g.Admins...)
	return &out
}
