// Package graph resolves the social relation the fanout engine is scoped by.
// The relation is directed: Related(u) lists the contacts u declared, and
// RelatedBy(u) lists the users whose related set contains u.
package graph

import (
	"context"
	"errors"

	"pulse/internal/models"
)

// ErrReadOnly is returned by SetRelated when the underlying source cannot be
// written.
var ErrReadOnly = errors.New("graph: source is read-only")

// Graph is read-only to the gateway.
type Graph interface {
	Related(ctx context.Context, userID string) ([]models.Contact, error)
	RelatedBy(ctx context.Context, userID string) ([]string, error)
}

// Writer replaces a user's related set. Used by seeding tools, never by the
// gateway itself.
type Writer interface {
	SetRelated(ctx context.Context, userID string, contacts []models.Contact) error
}

// contactIDs returns the distinct non-empty ids of contacts.
func contactIDs(contacts []models.Contact) []string {
	seen := make(map[string]struct{}, len(contacts))
	out := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c.ID == "" {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c.ID)
	}
	return out
}
