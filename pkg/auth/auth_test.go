package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	config := DefaultAuthConfig()
	config.BcryptCost = bcrypt.MinCost
	config.MaxFailedLogins = 3
	config.LockoutDuration = time.Hour
	a, err := NewAuthenticator(config)
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return a
}

func TestNewAuthenticator(t *testing.T) {
	tests := []struct {
		name    string
		cost    int
		wantErr bool
	}{
		{name: "default cost", cost: 0},
		{name: "minimum cost", cost: bcrypt.MinCost},
		{name: "cost too high", cost: bcrypt.MaxCost + 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultAuthConfig()
			config.BcryptCost = tt.cost
			_, err := NewAuthenticator(config)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAuthenticator() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateUser(t *testing.T) {
	auth := newTestAuthenticator(t)

	user, err := auth.CreateUser("testuser", "password123", []Role{RoleEditor})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if !user.HasRole(RoleEditor) {
		t.Error("expected user to have editor role")
	}
	if user.PasswordHash != "" {
		t.Error("returned user must not carry the password hash")
	}
	if !user.CanAccessDatabase("anything") {
		t.Error("new users may use every database")
	}

	_, err = auth.CreateUser("testuser", "password456", nil)
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("expected ErrUserExists, got %v", err)
	}

	_, err = auth.CreateUser("shortpass", "short", nil)
	if err == nil || !strings.Contains(err.Error(), "minimum") {
		t.Errorf("expected password length error, got %v", err)
	}

	_, err = auth.CreateUser("badrole", "password123", []Role{"root"})
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("expected ErrInvalidRole, got %v", err)
	}

	viewer, err := auth.CreateUser("viewer", "password123", nil)
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if !viewer.HasRole(RoleViewer) {
		t.Error("users without roles default to viewer")
	}
}

func TestAuthenticate(t *testing.T) {
	auth := newTestAuthenticator(t)
	if _, err := auth.CreateUser("alice", "password123", nil); err != nil {
		t.Fatal(err)
	}

	user, err := auth.Authenticate("alice", "password123")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if user.LastLogin.IsZero() {
		t.Error("expected LastLogin to be set")
	}

	if _, err := auth.Authenticate("nobody", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}

	for i := 0; i < 3; i++ {
		_, _ = auth.Authenticate("alice", "wrong")
	}
	if _, err := auth.Authenticate("alice", "password123"); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("expected ErrAccountLocked, got %v", err)
	}
}

func TestAuthenticate_SecurityDisabled(t *testing.T) {
	config := DefaultAuthConfig()
	config.SecurityEnabled = false
	auth, err := NewAuthenticator(config)
	if err != nil {
		t.Fatal(err)
	}
	user, err := auth.Authenticate("anyone", "anything")
	if err != nil || user != nil {
		t.Errorf("expected anonymous success, got %v, %v", user, err)
	}
	if !auth.IsAuthorized(nil, AllPrivileges, "neo4j") {
		t.Error("disabled security must authorize everything")
	}
}

func TestIsAuthorized(t *testing.T) {
	auth := newTestAuthenticator(t)
	editor, _ := auth.CreateUser("ed", "password123", []Role{RoleEditor})
	viewer, _ := auth.CreateUser("vi", "password123", []Role{RoleViewer})
	admin, _ := auth.CreateUser("ad", "password123", []Role{RoleAdmin})
	if err := auth.SetDatabases("vi", []string{"reports"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		user  *User
		privs []Privilege
		db    string
		want  bool
	}{
		{"editor writes", editor, []Privilege{PrivMatch, PrivCreate}, "neo4j", true},
		{"editor cannot manage databases", editor, []Privilege{PrivMultiDatabaseEdit}, "", false},
		{"viewer reads allowed db", viewer, []Privilege{PrivMatch}, "reports", true},
		{"viewer blocked from other db", viewer, []Privilege{PrivMatch}, "neo4j", false},
		{"viewer cannot write", viewer, []Privilege{PrivCreate}, "reports", false},
		{"admin has everything", admin, AllPrivileges, "neo4j", true},
		{"no privileges needed", viewer, nil, "reports", true},
		{"unauthenticated", nil, nil, "neo4j", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := auth.IsAuthorized(tt.user, tt.privs, tt.db); got != tt.want {
				t.Errorf("IsAuthorized() = %v, want %v", got, tt.want)
			}
		})
	}

	if err := auth.DisableUser("ad"); err != nil {
		t.Fatal(err)
	}
	if auth.IsAuthorized(admin, []Privilege{PrivMatch}, "neo4j") {
		t.Error("disabled users are not authorized")
	}
}

func TestUserPrivileges(t *testing.T) {
	u := &User{Roles: []Role{RoleViewer, RoleEditor}}
	privs := u.Privileges()
	if len(privs) != len(RolePrivileges[RoleEditor]) {
		t.Errorf("expected union of editor and viewer, got %v", privs)
	}
	for i := 1; i < len(privs); i++ {
		if privs[i-1] >= privs[i] {
			t.Errorf("privileges not sorted: %v", privs)
		}
	}
}

func TestChangePasswordAndDelete(t *testing.T) {
	auth := newTestAuthenticator(t)
	_, _ = auth.CreateUser("bob", "password123", nil)

	if err := auth.ChangePassword("bob", "wrong", "newpassword"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := auth.ChangePassword("bob", "password123", "newpassword"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}
	if _, err := auth.Authenticate("bob", "newpassword"); err != nil {
		t.Errorf("login with new password failed: %v", err)
	}
	if err := auth.DeleteUser("bob"); err != nil {
		t.Fatal(err)
	}
	if auth.UserCount() != 0 {
		t.Errorf("expected no users, got %d", auth.UserCount())
	}
	if _, err := auth.GetUser("bob"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRoleFromString(t *testing.T) {
	if r, err := RoleFromString("admin"); err != nil || r != RoleAdmin {
		t.Errorf("RoleFromString(admin) = %v, %v", r, err)
	}
	if _, err := RoleFromString("superuser"); err == nil {
		t.Error("expected error for unknown role")
	}
}
