package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"pallas.athemath.org/internal/access"
	"pallas.athemath.org/internal/audit"
	"pallas.athemath.org/internal/credential"
	"pallas.athemath.org/internal/ids"
	"pallas.athemath.org/internal/mail"
	"pallas.athemath.org/internal/obs"
)

const defaultGroupPageBase = "https://pallas.athemath.org/groups/"

// usernamePattern: alphanumeric plus dots, hyphens, underscores, 1-64 chars.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Service orchestrates every identity and group operation. All reads go
// through the gate first; all writes go through the store's versioned
// saves.
type Service struct {
	store Store
	mail  mail.Sender
	now   func() time.Time

	hashCost int

	// Hardening knobs for the verification challenge. Both default to
	// zero (disabled) to preserve the observed protocol: indefinite
	// retry with no expiry.
	challengeTTL time.Duration
	maxAttempts  int

	groupPageBase string
}

// Option configures Service behavior.
type Option func(*Service) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithHashCost tunes the credential hashing work factor.
func WithHashCost(cost int) Option {
	return func(s *Service) error {
		if cost > 0 {
			s.hashCost = cost
		}
		return nil
	}
}

// WithChallengeTTL enables expiry of pending email challenges.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(s *Service) error {
		if ttl < 0 {
			return errors.New("identity: challenge ttl must not be negative")
		}
		s.challengeTTL = ttl
		return nil
	}
}

// WithMaxAttempts enables a verification attempt limit per challenge.
func WithMaxAttempts(n int) Option {
	return func(s *Service) error {
		if n < 0 {
			return errors.New("identity: max attempts must not be negative")
		}
		s.maxAttempts = n
		return nil
	}
}

// WithGroupPageBase overrides the base URL used in group notifications.
func WithGroupPageBase(base string) Option {
	return func(s *Service) error {
		if strings.TrimSpace(base) != "" {
			s.groupPageBase = base
		}
		return nil
	}
}

// NewService constructs the identity core over its two collaborators.
func NewService(store Store, sender mail.Sender, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	if sender == nil {
		return nil, errors.New("identity: mail sender is required")
	}
	svc := &Service{
		store:         store,
		mail:          sender,
		now:           time.Now,
		hashCost:      credential.DefaultCost,
		groupPageBase: defaultGroupPageBase,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// Resolve loads the subject for an authenticated identifier. Used by the
// transport layer after token validation.
func (s *Service) Resolve(ctx context.Context, subjectID string) (*User, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.Users(ctx).Find(ctx, subjectID)
}

// Authenticate checks a username/password pair and returns the subject.
// Lookup failure and password mismatch are indistinguishable to the
// caller; a corrupt stored hash is not.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrUnauthenticated
	}
	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	ok, err := credential.Verify(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

// Register creates a new account at the lowest authenticated level.
func (s *Service) Register(ctx context.Context, username, email, password string) (*User, error) {
	username = strings.TrimSpace(username)
	if !usernamePattern.MatchString(username) {
		return nil, fmt.Errorf("%w: invalid username", ErrInvalidInput)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := credential.HashWithCost(password, s.hashCost)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Level:        access.Student,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users(ctx).Create(ctx, user); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(ctx, "identity.user.registered", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
	})
	return user, nil
}

// --- Identity change protocol ---------------------------------------------

// EmailChangeResult reports the initiate phase.
type EmailChangeResult struct {
	Message string `json:"message"`
}

// InitiateEmailChange starts the two-phase email change: a one-time key
// is generated, its hash and the candidate address are stored as the
// pending challenge, and the plaintext key goes to the candidate inbox.
// Sending to the new address is the ownership proof. Any prior pending
// challenge is overwritten unconditionally.
func (s *Service) InitiateEmailChange(ctx context.Context, actor *User, newEmail string) (EmailChangeResult, error) {
	if actor == nil {
		return EmailChangeResult{}, ErrUnauthenticated
	}
	newEmail = strings.TrimSpace(strings.ToLower(newEmail))
	if newEmail == "" || !strings.Contains(newEmail, "@") {
		return EmailChangeResult{}, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}

	key, err := credential.NewKey()
	if err != nil {
		return EmailChangeResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	keyHash, err := credential.HashWithCost(key, s.hashCost)
	if err != nil {
		return EmailChangeResult{}, err
	}

	actor.Pending = &EmailChallenge{
		NewEmail:    newEmail,
		KeyHash:     keyHash,
		InitiatedAt: s.now().UTC(),
	}
	actor.UpdatedAt = s.now().UTC()
	if err := s.store.Users(ctx).Save(ctx, actor); err != nil {
		return EmailChangeResult{}, err
	}

	// Best-effort delivery: a mail failure never rolls the challenge back.
	if err := s.mail.Send(ctx, newEmail, "Email verification key", emailKeyBody(key)); err != nil {
		obs.MailSendFailed()
		obs.LogRequest(map[string]any{"level": "warn", "msg": "verification key delivery failed", "err": err.Error()})
	}

	obs.EmailChallenge("initiate", "ok")
	_ = audit.LogEvent(ctx, "identity.email.change_initiated", map[string]any{
		"user_id": actor.ID,
	})
	return EmailChangeResult{Message: "Email change initiated"}, nil
}

// VerifyEmailResult reports the verify phase. Match is always disclosed
// so the caller can retry a mistyped key.
type VerifyEmailResult struct {
	Message string `json:"message"`
	Match   bool   `json:"match"`
}

// VerifyEmailChange completes the email change when the supplied key
// matches the stored hash. On mismatch the pending challenge stays in
// place; the email is never visible until a matching verify succeeds.
func (s *Service) VerifyEmailChange(ctx context.Context, actor *User, key string) (VerifyEmailResult, error) {
	if actor == nil {
		return VerifyEmailResult{}, ErrUnauthenticated
	}
	if actor.Pending == nil {
		return VerifyEmailResult{}, fmt.Errorf("%w: no pending email change", ErrNotFound)
	}

	users := s.store.Users(ctx)
	now := s.now().UTC()

	if s.challengeTTL > 0 && now.After(actor.Pending.InitiatedAt.Add(s.challengeTTL)) {
		actor.Pending = nil
		actor.UpdatedAt = now
		if err := users.Save(ctx, actor); err != nil {
			return VerifyEmailResult{}, err
		}
		obs.EmailChallenge("verify", "expired")
		return VerifyEmailResult{Message: "Verification key expired", Match: false}, nil
	}
	if s.maxAttempts > 0 && actor.Pending.Attempts >= s.maxAttempts {
		obs.EmailChallenge("verify", "locked")
		return VerifyEmailResult{Message: "Too many verification attempts", Match: false}, nil
	}

	match, err := credential.Verify(key, actor.Pending.KeyHash)
	if err != nil {
		// Corrupt stored hash is an integrity failure, not a mismatch.
		return VerifyEmailResult{}, err
	}

	if match {
		actor.Email = actor.Pending.NewEmail
		actor.Pending = nil
		actor.UpdatedAt = now
		if err := users.Save(ctx, actor); err != nil {
			return VerifyEmailResult{}, err
		}
		obs.EmailChallenge("verify", "match")
		_ = audit.LogEvent(ctx, "identity.email.changed", map[string]any{
			"user_id": actor.ID,
		})
	} else {
		actor.Pending.Attempts++
		actor.UpdatedAt = now
		if err := users.Save(ctx, actor); err != nil {
			return VerifyEmailResult{}, err
		}
		obs.EmailChallenge("verify", "mismatch")
	}

	return VerifyEmailResult{Message: "Email verification key checked", Match: match}, nil
}

// PasswordChangeResult reports a password change.
type PasswordChangeResult struct {
	Message string `json:"message"`
}

// ChangePassword replaces the stored credential in a single phase. There
// is no old-password confirmation step; re-authentication is left to the
// transport session.
func (s *Service) ChangePassword(ctx context.Context, actor *User, newSecret string) (PasswordChangeResult, error) {
	if actor == nil {
		return PasswordChangeResult{}, ErrUnauthenticated
	}
	if newSecret == "" {
		return PasswordChangeResult{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := credential.HashWithCost(newSecret, s.hashCost)
	if err != nil {
		return PasswordChangeResult{}, err
	}
	actor.PasswordHash = hash
	actor.UpdatedAt = s.now().UTC()
	if err := s.store.Users(ctx).Save(ctx, actor); err != nil {
		return PasswordChangeResult{}, err
	}
	_ = audit.LogEvent(ctx, "identity.password.changed", map[string]any{
		"user_id": actor.ID,
	})
	return PasswordChangeResult{Message: "Change password successful"}, nil
}

// --- User info -------------------------------------------------------------

// UserRef names a target user by username or identifier. Empty means
// "the caller themselves".
type UserRef struct {
	Username string
	ID       string
}

func (r UserRef) explicit() bool { return r.Username != "" || r.ID != "" }

// UserInfoResult carries the projected record. User is nil when the
// caller's rank grants nothing.
type UserInfoResult struct {
	Message string         `json:"message"`
	User    map[string]any `json:"user"`
}

// UserInfo returns the subset of the target record the caller may see.
// Without an explicit target the caller's own record is projected; this
// fallback is self-service behavior, not an error.
func (s *Service) UserInfo(ctx context.Context, actor *User, ref UserRef) (UserInfoResult, error) {
	if actor == nil {
		return UserInfoResult{}, ErrUnauthenticated
	}

	users := s.store.Users(ctx)
	var (
		target *User
		err    error
	)
	switch {
	case !ref.explicit():
		target = actor
	case ref.Username != "":
		target, err = users.FindByUsername(ctx, ref.Username)
	default:
		target, err = users.Find(ctx, ref.ID)
	}
	if err != nil {
		return UserInfoResult{}, err
	}

	projected := ProjectUser(actor, target, ref.explicit())
	return UserInfoResult{Message: "User info retrieved", User: projected}, nil
}

// --- Groups ----------------------------------------------------------------

// GroupResult carries a full group record, used on creation where the
// creator is by construction its admin.
type GroupResult struct {
	Message string `json:"message"`
	Group   *Group `json:"group"`
}

// CreateGroup creates a group with the caller as both member and admin.
// The two roles are set before the single create call, so no partially
// initialised group is ever reachable.
func (s *Service) CreateGroup(ctx context.Context, actor *User, name string) (GroupResult, error) {
	if err := requireLevel(actor, access.Student); err != nil {
		if errors.Is(err, ErrForbidden) {
			obs.AuthzDenied("create_group")
		}
		return GroupResult{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return GroupResult{}, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	group := &Group{
		ID:        ids.New(),
		Name:      name,
		CreatedBy: actor.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	group.AddAdmin(actor.ID)

	if err := s.store.Groups(ctx).Create(ctx, group); err != nil {
		return GroupResult{}, err
	}
	_ = audit.LogEvent(ctx, "identity.group.created", map[string]any{
		"group_id": group.ID,
		"name":     group.Name,
	})
	return GroupResult{Message: "Group created successfully", Group: group}, nil
}

// GroupListResult lists group identifiers.
type GroupListResult struct {
	Message     string   `json:"message"`
	Groups      []string `json:"groups"`
	CanAddGroup bool     `json:"can_add_group"`
}

// ListMyGroups lists groups the caller belongs to. Naming another user
// requires staff rank; callers may always name themselves.
func (s *Service) ListMyGroups(ctx context.Context, actor *User, username string) (GroupListResult, error) {
	if err := requireLevel(actor, access.Student); err != nil {
		if errors.Is(err, ErrForbidden) {
			obs.AuthzDenied("list_groups")
		}
		return GroupListResult{}, err
	}

	subject := actor
	username = strings.TrimSpace(username)
	if username != "" && username != actor.Username {
		if err := requireLevel(actor, access.Staff); err != nil {
			obs.AuthzDenied("list_groups")
			return GroupListResult{}, err
		}
		var err error
		subject, err = s.store.Users(ctx).FindByUsername(ctx, username)
		if err != nil {
			return GroupListResult{}, err
		}
	}

	groups, err := s.store.Groups(ctx).ListByMember(ctx, subject.ID)
	if err != nil {
		return GroupListResult{}, err
	}
	return GroupListResult{
		Message:     "Groups found",
		Groups:      groupIDs(groups),
		CanAddGroup: access.AtLeast(actor.Level, access.Student),
	}, nil
}

// ListAllGroups lists every group identifier regardless of membership.
func (s *Service) ListAllGroups(ctx context.Context, actor *User) (GroupListResult, error) {
	if err := requireLevel(actor, access.Student); err != nil {
		if errors.Is(err, ErrForbidden) {
			obs.AuthzDenied("all_groups")
		}
		return GroupListResult{}, err
	}
	groups, err := s.store.Groups(ctx).List(ctx)
	if err != nil {
		return GroupListResult{}, err
	}
	return GroupListResult{Message: "Groups found", Groups: groupIDs(groups)}, nil
}

// GroupRef names a group by name or identifier.
type GroupRef struct {
	Name string
	ID   string
}

// GroupInfoResult carries the projected group record.
type GroupInfoResult struct {
	Message string         `json:"message"`
	Group   map[string]any `json:"group"`
}

// GroupInfo projects the group for the caller: full record for group
// admins, the restricted set otherwise.
func (s *Service) GroupInfo(ctx context.Context, actor *User, ref GroupRef) (GroupInfoResult, error) {
	if err := requireLevel(actor, access.Student); err != nil {
		if errors.Is(err, ErrForbidden) {
			obs.AuthzDenied("group_info")
		}
		return GroupInfoResult{}, err
	}
	if ref.Name == "" && ref.ID == "" {
		return GroupInfoResult{}, fmt.Errorf("%w: group name or id is required", ErrInvalidInput)
	}

	groups := s.store.Groups(ctx)
	var (
		group *Group
		err   error
	)
	if ref.Name != "" {
		group, err = groups.FindByName(ctx, ref.Name)
	} else {
		group, err = groups.Find(ctx, ref.ID)
	}
	if err != nil {
		return GroupInfoResult{}, err
	}

	return GroupInfoResult{Message: "Group found", Group: ProjectGroup(actor, group)}, nil
}

// AddMemberResult reports a membership mutation. Success is the explicit
// indicator; Notified reports the independent mail side effect.
type AddMemberResult struct {
	Message  string `json:"message"`
	Success  bool   `json:"success"`
	Notified bool   `json:"notified"`
}

// AddGroupMember appends a user to the group's member set and notifies
// them. Only group admins pass the gate; a missing group is reported as
// the same uniform denial so non-admins cannot probe for group names.
func (s *Service) AddGroupMember(ctx context.Context, actor *User, groupName, username string) (AddMemberResult, error) {
	if actor == nil {
		return AddMemberResult{}, ErrUnauthenticated
	}
	group, err := s.store.Groups(ctx).FindByName(ctx, strings.TrimSpace(groupName))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return AddMemberResult{}, err
	}
	if err := requireGroupRole(group, actor, access.GroupAdmin); err != nil {
		obs.AuthzDenied("group_add_user")
		return AddMemberResult{}, err
	}

	user, err := s.store.Users(ctx).FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return AddMemberResult{Message: "User not found", Success: false}, nil
		}
		return AddMemberResult{}, err
	}

	if !group.AddMember(user.ID) {
		return AddMemberResult{Message: "User already in group", Success: false}, nil
	}
	group.UpdatedAt = s.now().UTC()
	if err := s.store.Groups(ctx).Save(ctx, group); err != nil {
		return AddMemberResult{}, err
	}

	// Notification and mutation are independent: a failed send is
	// reported, never rolled into the save.
	notified := true
	body := groupAddedBody(group.Name, actor.Username, s.groupPageBase)
	if err := s.mail.Send(ctx, user.Email, "You have been added to a group", body); err != nil {
		notified = false
		obs.MailSendFailed()
		obs.LogRequest(map[string]any{"level": "warn", "msg": "group notification delivery failed", "err": err.Error()})
	}

	_ = audit.LogEvent(ctx, "identity.group.member_added", map[string]any{
		"group_id": group.ID,
		"user_id":  user.ID,
	})
	return AddMemberResult{Message: "User added to group", Success: true, Notified: notified}, nil
}

func groupIDs(groups []*Group) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, g.ID)
	}
	return out
}

func emailKeyBody(key string) string {
	var b strings.Builder
	b.WriteString("Here is the key to verify your email:\n")
	b.WriteString("\tKey: " + key + "\n")
	b.WriteString("Use this key to verify your ownership of this email.\n\n")
	b.WriteString("If you were not expecting this email, please contact the webmaster.\n")
	return b.String()
}

func groupAddedBody(groupName, addedBy, pageBase string) string {
	var b strings.Builder
	b.WriteString("You have just been added to the group " + groupName + " by " + addedBy + ".\n")
	b.WriteString("Please refer to the group page: " + pageBase + groupName + "\n")
	return b.String()
}
