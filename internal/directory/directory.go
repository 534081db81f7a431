// Package directory resolves user ids to display identity. Callers that
// render senders, receivers and message authors go through it instead of
// assuming a fixed user set.
package directory

import (
	"context"
	"strings"
	"unicode"

	"linkshare/pkg/store"
)

// Identity is what the UI needs to render a user.
type Identity struct {
	DisplayName string `json:"displayName"`
	Initials    string `json:"initials"`
	Email       string `json:"email,omitempty"`
}

// Directory resolves a user id to an identity.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Identity, error)
}

// ProfileDirectory resolves identities from stored profiles. Unknown ids and
// lookup failures degrade to a placeholder so rendering never blocks on a
// missing profile row.
type ProfileDirectory struct {
	store store.Store
}

// NewProfileDirectory wraps a store.
func NewProfileDirectory(s store.Store) *ProfileDirectory {
	return &ProfileDirectory{store: s}
}

// Lookup resolves one user id. The display name prefers the profile
// username, then the email local part, then a fixed placeholder.
func (d *ProfileDirectory) Lookup(ctx context.Context, userID string) (Identity, error) {
	p, ok, err := d.store.GetProfile(ctx, userID)
	if err != nil {
		return Identity{DisplayName: "Unknown", Initials: "?"}, err
	}
	if !ok {
		return Identity{DisplayName: "Unknown", Initials: "?"}, nil
	}

	name := strings.TrimSpace(p.Username)
	if name == "" {
		if at := strings.IndexByte(p.Email, '@'); at > 0 {
			name = p.Email[:at]
		}
	}
	if name == "" {
		name = "Unknown"
	}
	return Identity{
		DisplayName: name,
		Initials:    initials(name),
		Email:       p.Email,
	}, nil
}

// initials takes the first two characters of the name, uppercased. A single
// character name yields one initial.
func initials(name string) string {
	runes := []rune(name)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	for i, r := range runes {
		runes[i] = unicode.ToUpper(r)
	}
	if len(runes) == 0 {
		return "?"
	}
	return string(runes)
}
