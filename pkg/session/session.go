// Package session holds the single active local identity and authenticates
// it against the shared credential log.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"peerchat/pkg/logger"
	"peerchat/pkg/models"
	"peerchat/pkg/userdb"
)

var (
	// ErrUsernameTaken is returned by Register when a credential record
	// already exists for the username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidCredentials is returned for an unknown user and for a
	// wrong password alike, so the two cases cannot be told apart.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrNotAuthenticated is returned by operations that require an active
	// session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// bcryptCost matches the cost factor used by existing credential records.
const bcryptCost = 10

// ProfileUpdate is a partial profile: nil fields are left unchanged. The
// username itself is immutable.
type ProfileUpdate struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}

// Manager owns the at-most-one active session per process.
type Manager struct {
	users *userdb.Store

	mu       sync.Mutex
	username string
	profile  models.Profile
}

// New builds a manager over the credential store.
func New(users *userdb.Store) *Manager {
	return &Manager{users: users}
}

// Register creates a credential record for username and starts a session.
func (m *Manager) Register(ctx context.Context, username, password string) error {
	_, exists, err := m.users.Get(ctx, username)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if exists {
		return ErrUsernameTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	rec := userdb.Record{
		Username: username,
		Password: string(hash),
		Name:     username,
		Status:   "online",
	}
	if err := m.users.Put(ctx, username, rec); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	m.start(username, rec)
	logger.Info("user_registered", "username", username)
	return nil
}

// Login verifies the password and starts a session. Unknown users and
// wrong passwords return the identical error.
func (m *Manager) Login(ctx context.Context, username, password string) error {
	rec, ok, err := m.users.Get(ctx, username)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.Password), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	m.start(username, rec)
	logger.Info("user_logged_in", "username", username)
	return nil
}

// Logout clears the session. Idempotent.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.username = ""
	m.profile = models.Profile{Status: "offline"}
	m.mu.Unlock()
}

// Current returns the active username, ok=false when anonymous.
func (m *Manager) Current() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.username, m.username != ""
}

// Profile returns the active session's display profile.
func (m *Manager) Profile() models.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// UpdateProfile merges the present fields of upd into the stored record and
// the in-memory profile.
func (m *Manager) UpdateProfile(ctx context.Context, upd ProfileUpdate) error {
	m.mu.Lock()
	username := m.username
	m.mu.Unlock()
	if username == "" {
		return ErrNotAuthenticated
	}
	rec, ok, err := m.users.Get(ctx, username)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	if !ok {
		return ErrNotAuthenticated
	}
	if upd.Name != nil {
		rec.Name = *upd.Name
	}
	if upd.Status != nil {
		rec.Status = *upd.Status
	}
	if err := m.users.Put(ctx, username, rec); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	m.mu.Lock()
	m.profile = profileOf(rec)
	m.mu.Unlock()
	return nil
}

// ChangePassword verifies the old password against the stored hash and
// persists a new one.
func (m *Manager) ChangePassword(ctx context.Context, oldPw, newPw string) error {
	m.mu.Lock()
	username := m.username
	m.mu.Unlock()
	if username == "" {
		return ErrNotAuthenticated
	}
	rec, ok, err := m.users.Get(ctx, username)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	if !ok {
		return ErrNotAuthenticated
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.Password), []byte(oldPw)) != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPw), bcryptCost)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	rec.Password = string(hash)
	if err := m.users.Put(ctx, username, rec); err != nil {
		return fmt.Errorf("change password: %w", err)
	}
	logger.Info("password_changed", "username", username)
	return nil
}

// Lookup fetches any user's display profile from the credential store.
func (m *Manager) Lookup(ctx context.Context, username string) (models.Profile, bool, error) {
	rec, ok, err := m.users.Get(ctx, username)
	if err != nil || !ok {
		return models.Profile{}, false, err
	}
	return profileOf(rec), true, nil
}

func (m *Manager) start(username string, rec userdb.Record) {
	m.mu.Lock()
	m.username = username
	m.profile = profileOf(rec)
	m.mu.Unlock()
}

func profileOf(rec userdb.Record) models.Profile {
	p := models.Profile{Name: rec.Name, Status: rec.Status}
	if p.Name == "" {
		p.Name = rec.Username
	}
	if p.Status == "" {
		p.Status = "online"
	}
	return p
}
