// Package identity resolves the client's dual-identifier scheme.
//
// Entities are created locally under a human-friendly local ID; the remote
// store requires UUID primary keys. The resolver assigns each entity a
// remote UUID on first use and keeps the pair associated for the entity's
// lifetime: once assigned, a remote ID never changes, no matter how many
// times sync is retried.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ledgerlite/splitsync/internal/model"
)

// IsUUID reports whether s is syntactically a hyphenated UUID. Local IDs
// shaped like UUIDs originated remotely and are adopted as-is.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// GroupRemoteID returns the group's remote identifier, assigning one if
// needed. The assignment is stored back on the entity so later calls are
// stable.
func GroupRemoteID(g *model.Group) string {
	if g.RemoteID != "" {
		return g.RemoteID
	}
	if IsUUID(g.LocalID) {
		g.RemoteID = g.LocalID
		return g.RemoteID
	}
	g.RemoteID = uuid.NewString()
	return g.RemoteID
}

// ExpenseRemoteID returns the expense's remote identifier, assigning one if
// needed. Scoped independently of the parent group's resolution.
func ExpenseRemoteID(e *model.Expense) string {
	if e.RemoteID != "" {
		return e.RemoteID
	}
	if IsUUID(e.LocalID) {
		e.RemoteID = e.LocalID
		return e.RemoteID
	}
	e.RemoteID = uuid.NewString()
	return e.RemoteID
}

// NewLocalID builds a human-readable local identifier from a display name,
// suffixed with random hex to keep it unique: "trip-a3f9c2".
func NewLocalID(name string) string {
	slug := strings.Builder{}
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			slug.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			slug.WriteByte('-')
		}
	}
	base := strings.Trim(slug.String(), "-")
	if base == "" {
		base = "item"
	}
	if len(base) > 24 {
		base = base[:24]
	}

	suffix := make([]byte, 3)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("%s-%s", base, hex.EncodeToString(suffix))
}
