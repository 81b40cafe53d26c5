package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// selectionTTL keeps a user's route choices for thirty days. A choice
// older than that is stale enough that a fresh recommendation should
// win anyway.
const selectionTTL = 720 * time.Hour

// SelectionRepository stores per-user route selections under
// routing:selection:<user>:<intent>:<ASSET>.
type SelectionRepository struct {
	client *Client
}

// NewSelectionRepository creates a Redis-backed selection store.
func NewSelectionRepository(client *Client) *SelectionRepository {
	return &SelectionRepository{client: client}
}

// Save replaces the user's selection for the asset + intent pair.
func (r *SelectionRepository) Save(ctx context.Context, user string, sel *lending.RouteSelection) error {
	key := selectionKey(user, sel.Asset, sel.Intent)
	if err := r.client.Set(ctx, key, sel, selectionTTL); err != nil {
		return errors.Wrapf(err, "save selection %s", key)
	}
	return nil
}

// Get returns the user's selection, ErrNotFound when none is stored.
func (r *SelectionRepository) Get(ctx context.Context, user, asset string, intent lending.RouteIntent) (*lending.RouteSelection, error) {
	key := selectionKey(user, asset, intent)

	var sel lending.RouteSelection
	if err := r.client.Get(ctx, key, &sel); err != nil {
		if errors.Is(err, errors.ErrCacheMiss) {
			return nil, errors.Wrapf(errors.ErrNotFound, "no %s selection for %s", intent, asset)
		}
		return nil, err
	}
	return &sel, nil
}

func selectionKey(user, asset string, intent lending.RouteIntent) string {
	return fmt.Sprintf("routing:selection:%s:%s:%s",
		strings.ToLower(user), intent, strings.ToUpper(asset))
}
