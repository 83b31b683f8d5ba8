// Package auth provides users, roles and query privileges.
//
// Every prepared query declares the privileges it needs. Before a query is
// executed the interpreter asks a Checker whether the session's user holds
// those privileges on the target database.
//
// Architecture:
//   - Users authenticate with bcrypt-hashed passwords
//   - Roles (admin, editor, viewer, none) grant privilege sets
//   - Each user has a database allow list ("*" means every database)
//   - Accounts lock after repeated failed logins
//
// Example Usage:
//
//	authenticator, err := auth.NewAuthenticator(auth.DefaultAuthConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	_, _ = authenticator.CreateUser("alice", "Secret123!", []auth.Role{auth.RoleEditor})
//
//	user, err := authenticator.Authenticate("alice", "Secret123!")
//	if err != nil {
//		return err
//	}
//	ok := authenticator.IsAuthorized(user, []auth.Privilege{auth.PrivMatch}, "neo4j")
package auth

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Errors for authentication operations.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked due to failed login attempts")
	ErrPasswordTooShort   = errors.New("password does not meet minimum length requirement")
	ErrInvalidRole        = errors.New("invalid role")
)

// Role represents a user role with associated privileges.
type Role string

// Predefined roles.
const (
	RoleAdmin  Role = "admin"  // Everything, including database and transaction management
	RoleEditor Role = "editor" // Read/write data
	RoleViewer Role = "viewer" // Read only (default)
	RoleNone   Role = "none"   // No access
)

// Privilege is a capability a query may require.
type Privilege string

const (
	PrivMatch                 Privilege = "MATCH"
	PrivCreate                Privilege = "CREATE"
	PrivDelete                Privilege = "DELETE"
	PrivSet                   Privilege = "SET"
	PrivIndex                 Privilege = "INDEX"
	PrivStats                 Privilege = "STATS"
	PrivConstraint            Privilege = "CONSTRAINT"
	PrivAuth                  Privilege = "AUTH"
	PrivReplication           Privilege = "REPLICATION"
	PrivTrigger               Privilege = "TRIGGER"
	PrivConfig                Privilege = "CONFIG"
	PrivTransactionManagement Privilege = "TRANSACTION_MANAGEMENT"
	PrivMultiDatabaseEdit     Privilege = "MULTI_DATABASE_EDIT"
	PrivMultiDatabaseUse      Privilege = "MULTI_DATABASE_USE"
)

// AllPrivileges lists every privilege in a stable order.
var AllPrivileges = []Privilege{
	PrivMatch, PrivCreate, PrivDelete, PrivSet, PrivIndex, PrivStats,
	PrivConstraint, PrivAuth, PrivReplication, PrivTrigger, PrivConfig,
	PrivTransactionManagement, PrivMultiDatabaseEdit, PrivMultiDatabaseUse,
}

// RolePrivileges maps roles to the privileges they grant.
var RolePrivileges = map[Role][]Privilege{
	RoleAdmin:  AllPrivileges,
	RoleEditor: {PrivMatch, PrivCreate, PrivDelete, PrivSet, PrivIndex, PrivStats, PrivMultiDatabaseUse},
	RoleViewer: {PrivMatch, PrivStats, PrivMultiDatabaseUse},
	RoleNone:   {},
}

// AllDatabases in a user's allow list grants access to every database.
const AllDatabases = "*"

// User represents an account.
//
// PasswordHash is never serialized.
type User struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	PasswordHash    string    `json:"-"`
	Roles           []Role    `json:"roles"`
	Databases       []string  `json:"databases"`
	DefaultDatabase string    `json:"default_database,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastLogin       time.Time `json:"last_login,omitempty"`
	FailedLogins    int       `json:"-"`
	LockedUntil     time.Time `json:"-"`
	Disabled        bool      `json:"disabled,omitempty"`
}

// HasRole checks if the user has a specific role.
func (u *User) HasRole(role Role) bool {
	return lo.Contains(u.Roles, role)
}

// HasPrivilege checks whether any of the user's roles grants priv.
func (u *User) HasPrivilege(priv Privilege) bool {
	return lo.SomeBy(u.Roles, func(r Role) bool {
		return lo.Contains(RolePrivileges[r], priv)
	})
}

// Privileges returns the union of the privileges of every role, sorted.
func (u *User) Privileges() []Privilege {
	all := lo.Uniq(lo.FlatMap(u.Roles, func(r Role, _ int) []Privilege { return RolePrivileges[r] }))
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

// CanAccessDatabase reports whether db is on the user's allow list.
func (u *User) CanAccessDatabase(db string) bool {
	return lo.Contains(u.Databases, AllDatabases) || lo.Contains(u.Databases, db)
}

// Checker decides whether a user may run a query needing privs on db.
// A nil user means the session never authenticated.
type Checker interface {
	IsAuthorized(user *User, privs []Privilege, db string) bool
}

// AllowAll is the Checker used when security is disabled.
type AllowAll struct{}

func (AllowAll) IsAuthorized(*User, []Privilege, string) bool { return true }

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Password policy
	MinPasswordLength int
	BcryptCost        int

	// Lockout settings
	MaxFailedLogins int
	LockoutDuration time.Duration

	// SecurityEnabled=false makes every check pass and every login succeed.
	SecurityEnabled bool
}

// DefaultAuthConfig returns default authentication configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		MinPasswordLength: 8,
		BcryptCost:        bcrypt.DefaultCost,
		MaxFailedLogins:   5,
		LockoutDuration:   15 * time.Minute,
		SecurityEnabled:   true,
	}
}

// Authenticator manages users and implements Checker.
type Authenticator struct {
	mu     sync.RWMutex
	users  map[string]*User // keyed by username
	config AuthConfig
}

// NewAuthenticator creates an authenticator with no users.
func NewAuthenticator(config AuthConfig) (*Authenticator, error) {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	if config.BcryptCost < bcrypt.MinCost || config.BcryptCost > bcrypt.MaxCost {
		return nil, errors.Newf("bcrypt cost %d out of range [%d, %d]", config.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &Authenticator{users: make(map[string]*User), config: config}, nil
}

// IsSecurityEnabled reports whether authentication is enforced.
func (a *Authenticator) IsSecurityEnabled() bool { return a.config.SecurityEnabled }

// CreateUser adds a user. Without roles the user is a viewer; without
// databases it may use every database.
func (a *Authenticator) CreateUser(username, password string, roles []Role) (*User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.users[username]; exists {
		return nil, errors.Wrapf(ErrUserExists, "%q", username)
	}
	if len(password) < a.config.MinPasswordLength {
		return nil, errors.Wrapf(ErrPasswordTooShort, "minimum %d characters required", a.config.MinPasswordLength)
	}
	for _, r := range roles {
		if !ValidRole(r) {
			return nil, errors.Wrapf(ErrInvalidRole, "%q", r)
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.config.BcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash password")
	}
	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}

	now := time.Now()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Roles:        roles,
		Databases:    []string{AllDatabases},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.users[username] = user
	log.WithFields(log.Fields{"user": username, "roles": roles}).Info("[Auth] user created")
	return copyUserSafe(user), nil
}

// Authenticate verifies credentials. With security disabled it returns nil
// user and nil error: the session runs unauthenticated.
func (a *Authenticator) Authenticate(username, password string) (*User, error) {
	if !a.config.SecurityEnabled {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	entry := log.WithField("user", username)
	user, exists := a.users[username]
	if !exists {
		entry.Warn("[Auth] login failed: unknown user")
		return nil, ErrInvalidCredentials // Don't reveal if user exists
	}
	if !user.LockedUntil.IsZero() && time.Now().Before(user.LockedUntil) {
		entry.Warn("[Auth] login failed: account locked")
		return nil, ErrAccountLocked
	}
	if user.Disabled {
		entry.Warn("[Auth] login failed: account disabled")
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		user.FailedLogins++
		if user.FailedLogins >= a.config.MaxFailedLogins {
			user.LockedUntil = time.Now().Add(a.config.LockoutDuration)
		}
		user.UpdatedAt = time.Now()
		entry.Warnf("[Auth] login failed: invalid password (attempt %d/%d)", user.FailedLogins, a.config.MaxFailedLogins)
		return nil, ErrInvalidCredentials
	}

	user.FailedLogins = 0
	user.LockedUntil = time.Time{}
	user.LastLogin = time.Now()
	user.UpdatedAt = user.LastLogin
	entry.Debug("[Auth] login succeeded")
	return copyUserSafe(user), nil
}

// IsAuthorized implements Checker.
func (a *Authenticator) IsAuthorized(user *User, privs []Privilege, db string) bool {
	if !a.config.SecurityEnabled {
		return true
	}
	if user == nil {
		return false
	}
	a.mu.RLock()
	current, ok := a.users[user.Username]
	a.mu.RUnlock()
	if !ok || current.Disabled {
		return false
	}
	if db != "" && !current.CanAccessDatabase(db) {
		return false
	}
	return lo.EveryBy(privs, current.HasPrivilege)
}

// GetUser returns a copy of the user called username.
func (a *Authenticator) GetUser(username string) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	u, ok := a.users[username]
	if !ok {
		return nil, errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	return copyUserSafe(u), nil
}

// ListUsers returns copies of every user ordered by username.
func (a *Authenticator) ListUsers() []*User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := lo.MapToSlice(a.users, func(_ string, u *User) *User { return copyUserSafe(u) })
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// UserCount returns the number of users.
func (a *Authenticator) UserCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}

// ChangePassword replaces a password after verifying the old one.
func (a *Authenticator) ChangePassword(username, oldPassword, newPassword string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[username]
	if !ok {
		return errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if len(newPassword) < a.config.MinPasswordLength {
		return errors.Wrapf(ErrPasswordTooShort, "minimum %d characters required", a.config.MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.config.BcryptCost)
	if err != nil {
		return errors.Wrap(err, "failed to hash password")
	}
	u.PasswordHash = string(hash)
	u.UpdatedAt = time.Now()
	return nil
}

// UpdateRoles replaces a user's roles.
func (a *Authenticator) UpdateRoles(username string, roles []Role) error {
	for _, r := range roles {
		if !ValidRole(r) {
			return errors.Wrapf(ErrInvalidRole, "%q", r)
		}
	}
	return a.update(username, func(u *User) { u.Roles = roles })
}

// SetDatabases replaces a user's database allow list.
func (a *Authenticator) SetDatabases(username string, dbs []string) error {
	return a.update(username, func(u *User) { u.Databases = append([]string(nil), dbs...) })
}

// SetDefaultDatabase sets the database a session binds to after login.
func (a *Authenticator) SetDefaultDatabase(username, db string) error {
	return a.update(username, func(u *User) { u.DefaultDatabase = db })
}

// DisableUser blocks logins and authorization for a user.
func (a *Authenticator) DisableUser(username string) error {
	return a.update(username, func(u *User) { u.Disabled = true })
}

// EnableUser reverses DisableUser.
func (a *Authenticator) EnableUser(username string) error {
	return a.update(username, func(u *User) { u.Disabled = false })
}

// DeleteUser removes a user.
func (a *Authenticator) DeleteUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; !ok {
		return errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	delete(a.users, username)
	return nil
}

func (a *Authenticator) update(username string, fn func(*User)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[username]
	if !ok {
		return errors.Wrapf(ErrUserNotFound, "%q", username)
	}
	fn(u)
	u.UpdatedAt = time.Now()
	return nil
}

func copyUserSafe(u *User) *User {
	c := *u
	c.PasswordHash = ""
	c.Roles = append([]Role(nil), u.Roles...)
	c.Databases = append([]string(nil), u.Databases...)
	return &c
}

// ValidRole reports whether r is a predefined role.
func ValidRole(r Role) bool {
	_, ok := RolePrivileges[r]
	return ok
}

// RoleFromString parses a role name.
func RoleFromString(s string) (Role, error) {
	r := Role(s)
	if !ValidRole(r) {
		return "", errors.Wrapf(ErrInvalidRole, "%q", s)
	}
	return r, nil
}
