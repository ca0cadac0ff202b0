package identity

import "context"

// Store describes the persistence collaborator. The core never assumes
// multi-entity transactions; it relies on single-record atomic writes
// and the versioned Save below to avoid lost updates under concurrency.
type Store interface {
	Users(ctx context.Context) UserStore
	Groups(ctx context.Context) GroupStore
}

// UserStore manages user records.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	// Save writes the record back conditionally on its Version and bumps
	// it. A stale version returns ErrConflict and writes nothing.
	Save(ctx context.Context, u *User) error
}

// GroupStore manages group records.
type GroupStore interface {
	Create(ctx context.Context, g *Group) error
	Find(ctx context.Context, id string) (*Group, error)
	FindByName(ctx context.Context, name string) (*Group, error)
	List(ctx context.Context) ([]*Group, error)
	ListByMember(ctx context.Context, userID string) ([]*Group, error)
	// Save has the same compare-and-swap contract as UserStore.Save.
	Save(ctx context.Context, g *Group) error
}
