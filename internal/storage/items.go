package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/petervdpas/goopsync/internal/proto"
)

// maxLookupVars bounds the IN (...) list per query; SQLite limits bound
// parameters per statement.
const maxLookupVars = 500

// LookupByIDs returns the stored items among ids. Unknown ids are skipped;
// the result follows the order of ids.
func (d *DB) LookupByIDs(ctx context.Context, ids []string) ([]proto.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	found := make(map[string]proto.Item, len(ids))

	d.mu.RLock()
	defer d.mu.RUnlock()

	for start := 0; start < len(ids); start += maxLookupVars {
		end := min(start+maxLookupVars, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := fmt.Sprintf(
			`SELECT id, title, artist, album, duration_ms, url FROM items WHERE id IN (%s)`,
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ","),
		)

		rows, err := d.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("lookup items: %w", err)
		}
		for rows.Next() {
			var it proto.Item
			if err := rows.Scan(&it.ID, &it.Title, &it.Artist, &it.Album, &it.DurationMs, &it.URL); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan item: %w", err)
			}
			found[it.ID] = it
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("lookup items: %w", err)
		}
	}

	out := make([]proto.Item, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, id := range ids {
		if it, ok := found[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, it)
		}
	}
	return out, nil
}

// Insert stores an item, replacing any existing record with the same id.
func (d *DB) Insert(ctx context.Context, it proto.Item) error {
	if it.ID == "" {
		return fmt.Errorf("insert item: empty id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO items (id, title, artist, album, duration_ms, url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title       = excluded.title,
			artist      = excluded.artist,
			album       = excluded.album,
			duration_ms = excluded.duration_ms,
			url         = excluded.url`,
		it.ID, it.Title, it.Artist, it.Album, it.DurationMs, it.URL,
	)
	if err != nil {
		return fmt.Errorf("insert item %s: %w", it.ID, err)
	}
	return nil
}

// CountItems returns the number of stored items.
func (d *DB) CountItems(ctx context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
