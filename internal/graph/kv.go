package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pulse/internal/models"
	"pulse/internal/store"

	"go.uber.org/zap"
)

// KV reads related sets stored as JSON contact lists under related:<userId>.
// Reverse lookups use the relatedby:<userId> index that SetRelated keeps in
// step with the forward lists. With reverseScan set, RelatedBy ignores the
// index and scans every forward list instead; that only suits small stores
// that were populated by another writer.
type KV struct {
	kv          store.KV
	reverseScan bool
	log         *zap.Logger
}

func NewKV(kv store.KV, reverseScan bool, log *zap.Logger) *KV {
	return &KV{kv: kv, reverseScan: reverseScan, log: log}
}

func (g *KV) Related(ctx context.Context, userID string) ([]models.Contact, error) {
	raw, err := g.kv.Get(ctx, store.RelatedKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("related %s: %w", userID, err)
	}
	var contacts []models.Contact
	if err := json.Unmarshal([]byte(raw), &contacts); err != nil {
		g.log.Warn("ignoring malformed related set", zap.String("user_id", userID), zap.Error(err))
		return nil, nil
	}
	return contacts, nil
}

func (g *KV) RelatedBy(ctx context.Context, userID string) ([]string, error) {
	if g.reverseScan {
		return g.scanRelatedBy(ctx, userID)
	}
	ids, err := g.kv.SMembers(ctx, store.RelatedByKey(userID))
	if err != nil {
		return nil, fmt.Errorf("related by %s: %w", userID, err)
	}
	return ids, nil
}

func (g *KV) scanRelatedBy(ctx context.Context, userID string) ([]string, error) {
	keys, err := g.kv.Keys(ctx, store.RelatedPattern())
	if err != nil {
		return nil, fmt.Errorf("related by %s: %w", userID, err)
	}
	var out []string
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		owner := strings.TrimPrefix(k, store.RelatedKey(""))
		if owner == userID {
			continue
		}
		contacts, err := g.Related(ctx, owner)
		if err != nil {
			return nil, err
		}
		for _, c := range contacts {
			if c.ID == userID {
				out = append(out, owner)
				break
			}
		}
	}
	return out, nil
}

// SetRelated overwrites userID's related set and moves userID between the
// reverse index sets of the contacts that were added or dropped.
func (g *KV) SetRelated(ctx context.Context, userID string, contacts []models.Contact) error {
	if userID == "" {
		return fmt.Errorf("set related: empty user id")
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	prev, err := g.Related(ctx, userID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(contacts)
	if err != nil {
		return err
	}
	if err := g.kv.Set(ctx, store.RelatedKey(userID), string(data), 0); err != nil {
		return fmt.Errorf("set related %s: %w", userID, err)
	}

	next := contactIDs(contacts)
	keep := make(map[string]struct{}, len(next))
	for _, id := range next {
		keep[id] = struct{}{}
		if err := g.kv.SAdd(ctx, store.RelatedByKey(id), userID); err != nil {
			return fmt.Errorf("index %s -> %s: %w", userID, id, err)
		}
	}
	for _, id := range contactIDs(prev) {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := g.kv.SRem(ctx, store.RelatedByKey(id), userID); err != nil {
			return fmt.Errorf("unindex %s -> %s: %w", userID, id, err)
		}
	}
	return nil
}
