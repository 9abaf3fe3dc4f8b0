package listen

import (
	"context"
	"errors"
	"slices"

	"github.com/petervdpas/goopsync/internal/proto"
	"github.com/petervdpas/goopsync/internal/resolver"
)

// ItemStore is the local catalogue of playable items.
type ItemStore interface {
	LookupByIDs(ctx context.Context, ids []string) ([]proto.Item, error)
	Insert(ctx context.Context, it proto.Item) error
}

// Resolver fetches items the local store lacks. A partial failure returns
// the resolved items together with an error.
type Resolver interface {
	Fetch(ctx context.Context, ids []string, maxBatch int) ([]proto.Item, error)
}

// Playlist is a queue made playable on this peer.
type Playlist struct {
	Items      []proto.Item `json:"items"`
	StartIndex int          `json:"start_index"`
	PositionMs int64        `json:"position_ms"`
	Playing    bool         `json:"playing"`
	// FromCurrent is set when StartIndex points at the session's current item.
	FromCurrent bool     `json:"from_current"`
	Unresolved  []string `json:"unresolved,omitempty"`
}

// Materialize turns queue ids into items. Ids missing locally are fetched
// through res in batches of maxBatch, stored, and looked up again. Items
// keep queue order; ids that stay unavailable are skipped and reported.
// Resolver failures are logged, never returned.
func Materialize(ctx context.Context, store ItemStore, res Resolver, maxBatch int, queue []string, play PlayState) Playlist {
	unique := dedupe(queue)
	have := lookup(ctx, store, unique)

	var missing []string
	for _, id := range unique {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 && res != nil {
		fetched, err := res.Fetch(ctx, missing, maxBatch)
		if err != nil {
			var pe *resolver.PartialError
			if errors.As(err, &pe) {
				log.Warnf("resolver left %d of %d ids unresolved: %v", len(pe.Missing), len(missing), pe.Err)
			} else {
				log.Warnf("resolver failed for %d ids: %v", len(missing), err)
			}
		}
		switch {
		case len(fetched) == 0:
		case store == nil:
			for _, it := range fetched {
				have[it.ID] = it
			}
		default:
			for _, it := range fetched {
				if err := store.Insert(ctx, it); err != nil {
					log.Warnf("store item %s: %v", it.ID, err)
				}
			}
			for id, it := range lookup(ctx, store, missing) {
				have[id] = it
			}
		}
	}

	var pl Playlist
	for _, id := range missing {
		if _, ok := have[id]; !ok {
			pl.Unresolved = append(pl.Unresolved, id)
		}
	}
	if len(pl.Unresolved) > 0 {
		log.Infof("%d queued ids unresolved", len(pl.Unresolved))
	}

	for _, id := range queue {
		if it, ok := have[id]; ok {
			pl.Items = append(pl.Items, it)
		}
	}

	if play.ItemID != "" {
		if i := slices.IndexFunc(pl.Items, func(it proto.Item) bool { return it.ID == play.ItemID }); i >= 0 {
			pl.StartIndex = i
			pl.PositionMs = play.PositionMs
			pl.Playing = play.Playing
			pl.FromCurrent = true
		}
	}
	return pl
}

func lookup(ctx context.Context, store ItemStore, ids []string) map[string]proto.Item {
	out := make(map[string]proto.Item, len(ids))
	if store == nil || len(ids) == 0 {
		return out
	}
	items, err := store.LookupByIDs(ctx, ids)
	if err != nil {
		log.Warnf("local lookup of %d ids: %v", len(ids), err)
		return out
	}
	for _, it := range items {
		out[it.ID] = it
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
