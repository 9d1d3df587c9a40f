package authgate

import (
	"crypto/subtle"
	"errors"
)

// ErrUnknownUser is returned by LocalBackend when the username isn't in
// the table, reported identically to a bad password so a client can't
// enumerate accounts.
var ErrUnknownUser = errors.New("authgate: unknown user or bad password")

// LocalUser is one entry of a LocalBackend's user table.
type LocalUser struct {
	Name     string
	Password string
}

// LocalBackend verifies credentials against an in-memory table, comparing
// passwords in constant time. Passwords are kept plaintext by design (spec
// data model, §3) — only the comparison needs to run in constant time, not
// the storage.
type LocalBackend struct {
	users map[string]string
}

// NewLocalBackend builds a LocalBackend from a user list.
func NewLocalBackend(users []LocalUser) *LocalBackend {
	table := make(map[string]string, len(users))
	for _, u := range users {
		table[u.Name] = u.Password
	}

	return &LocalBackend{users: table}
}

// Verify implements Backend.
func (b *LocalBackend) Verify(user, pass, _ string) error {
	want, ok := b.users[user]
	if !ok {
		return ErrUnknownUser
	}

	if subtle.ConstantTimeCompare([]byte(want), []byte(pass)) != 1 {
		return ErrUnknownUser
	}

	return nil
}
