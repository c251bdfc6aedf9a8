// Package staff holds the static allow-list of clinic staff who may sign in
// to the dashboard.
package staff

import (
	"errors"
	"strings"
	"sync"

	"github.com/cortexuvula/intakesync/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password HashPassword accepts.
const MinPasswordLength = 8

// ErrPasswordTooShort is returned by HashPassword.
var ErrPasswordTooShort = errors.New("password too short")

// dummyHash is compared against when the email is unknown. It uses the same
// cost as HashPassword so that lookups for missing and present users take
// the same time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("intakesync-placeholder"), bcrypt.DefaultCost)

// User is an authenticated staff member.
type User struct {
	Email string `json:"email"`
}

// Directory is the set of staff allowed to sign in. Safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	users map[string][]byte // lowercased email -> bcrypt hash
}

// NewDirectory builds a directory from configured users.
func NewDirectory(users []config.StaffUser) *Directory {
	d := &Directory{}
	d.Update(users)
	return d
}

// Update replaces the allow-list (config reload).
func (d *Directory) Update(users []config.StaffUser) {
	m := make(map[string][]byte, len(users))
	for _, u := range users {
		m[normalize(u.Email)] = []byte(u.PasswordHash)
	}
	d.mu.Lock()
	d.users = m
	d.mu.Unlock()
}

// Len returns the number of staff users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// Authenticate checks email and password against the allow-list.
func (d *Directory) Authenticate(email, password string) (User, bool) {
	key := normalize(email)
	d.mu.RLock()
	hash, ok := d.users[key]
	d.mu.RUnlock()

	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return User{}, false
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return User{}, false
	}
	return User{Email: key}, true
}

// HashPassword hashes a plaintext password for the staff.users config.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
