package graph

import (
	"context"
	"time"

	"pulse/internal/models"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoises lookups of another Graph for a short TTL. Errors are never
// cached.
type Cached struct {
	next    Graph
	forward *expirable.LRU[string, []models.Contact]
	reverse *expirable.LRU[string, []string]
}

func NewCached(next Graph, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	return &Cached{
		next:    next,
		forward: expirable.NewLRU[string, []models.Contact](size, nil, ttl),
		reverse: expirable.NewLRU[string, []string](size, nil, ttl),
	}
}

func (c *Cached) Related(ctx context.Context, userID string) ([]models.Contact, error) {
	if v, ok := c.forward.Get(userID); ok {
		return v, nil
	}
	v, err := c.next.Related(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.forward.Add(userID, v)
	return v, nil
}

func (c *Cached) RelatedBy(ctx context.Context, userID string) ([]string, error) {
	if v, ok := c.reverse.Get(userID); ok {
		return v, nil
	}
	v, err := c.next.RelatedBy(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.reverse.Add(userID, v)
	return v, nil
}

// Invalidate drops both cached directions for the given users.
func (c *Cached) Invalidate(userIDs ...string) {
	for _, id := range userIDs {
		c.forward.Remove(id)
		c.reverse.Remove(id)
	}
}

// SetRelated writes through to the wrapped graph when it is a Writer and
// drops the cache entries the write can affect.
func (c *Cached) SetRelated(ctx context.Context, userID string, contacts []models.Contact) error {
	w, ok := c.next.(Writer)
	if !ok {
		return ErrReadOnly
	}
	prev, _ := c.next.Related(ctx, userID)
	if err := w.SetRelated(ctx, userID, contacts); err != nil {
		return err
	}
	c.Invalidate(userID)
	c.Invalidate(contactIDs(prev)...)
	c.Invalidate(contactIDs(contacts)...)
	return nil
}
