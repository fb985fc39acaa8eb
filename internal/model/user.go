// Package model provides the entity types shared by the cache, sync and
// deletion layers: users, groups, expenses and the group deletion state.
//
// Entities are created locally first and carry two identifiers: LocalID is
// assigned immediately and used for all local lookups; RemoteID is a UUID
// assigned lazily on the first successful sync and used for all remote
// operations. Once set, RemoteID never changes for the life of the entity.
package model

import (
	"fmt"
	"strings"
	"time"
)

// User is a registered local identity. The ID is human-chosen at signup and
// immutable afterwards.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// PreviousUser is one entry in the most-recently-used identity list kept in
// the local cache, most recent first.
type PreviousUser struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	LastUsed time.Time `json:"last_used"`
}

// MaxPreviousUsers bounds the MRU identity list.
const MaxPreviousUsers = 10

// ValidateUserID checks the signup rules for a user identifier:
// 3-20 characters, letters and digits only. Uniqueness is case-insensitive
// and enforced by the remote store, not here.
func ValidateUserID(id string) error {
	if len(id) < 3 || len(id) > 20 {
		return fmt.Errorf("user id must be 3-20 characters (got %d)", len(id))
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return fmt.Errorf("user id must be alphanumeric (got %q)", id)
		}
	}
	return nil
}

// Validate checks that the user has valid field values.
func (u *User) Validate() error {
	if err := ValidateUserID(u.ID); err != nil {
		return err
	}
	if u.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// NormalizeUserID lowercases an ID for case-insensitive comparison.
func NormalizeUserID(id string) string {
	return strings.ToLower(id)
}

// SameUser reports whether two user IDs refer to the same identity.
func SameUser(a, b string) bool {
	return NormalizeUserID(a) == NormalizeUserID(b)
}
