package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/petervdpas/goopsync/internal/proto"
	"github.com/petervdpas/goopsync/internal/util"
)

// IdentityStore persists the local session identity in the peer database.
type IdentityStore struct {
	d *DB
}

// Identities returns the identity store backed by d.
func (d *DB) Identities() *IdentityStore {
	return &IdentityStore{d: d}
}

// Load returns the saved identity. A missing or partial record reports
// false without error.
func (s *IdentityStore) Load() (proto.Identity, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	s.d.mu.RLock()
	defer s.d.mu.RUnlock()

	var code, name sql.NullString
	var host sql.NullInt64
	err := s.d.db.QueryRowContext(ctx,
		`SELECT session_code, is_host, display_name FROM _identity WHERE slot = 1`,
	).Scan(&code, &host, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.Identity{}, false, nil
	}
	if err != nil {
		return proto.Identity{}, false, fmt.Errorf("load identity: %w", err)
	}
	if !code.Valid || !host.Valid || !name.Valid {
		log.Warn("ignoring partial identity record")
		return proto.Identity{}, false, nil
	}

	id := proto.Identity{SessionCode: code.String, IsHost: host.Int64 != 0, DisplayName: name.String}
	if !id.Complete() {
		log.Warn("ignoring partial identity record")
		return proto.Identity{}, false, nil
	}
	return id, true, nil
}

// Save replaces the stored identity.
func (s *IdentityStore) Save(id proto.Identity) error {
	if !id.Complete() {
		return fmt.Errorf("save identity: incomplete identity")
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	host := 0
	if id.IsHost {
		host = 1
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	_, err := s.d.db.ExecContext(ctx, `
		INSERT INTO _identity (slot, session_code, is_host, display_name, saved_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(slot) DO UPDATE SET
			session_code = excluded.session_code,
			is_host      = excluded.is_host,
			display_name = excluded.display_name,
			saved_at     = CURRENT_TIMESTAMP`,
		id.SessionCode, host, id.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// Clear removes the stored identity. Clearing an empty store is not an error.
func (s *IdentityStore) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultFetchTimeout)
	defer cancel()

	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	if _, err := s.d.db.ExecContext(ctx, `DELETE FROM _identity`); err != nil {
		return fmt.Errorf("clear identity: %w", err)
	}
	return nil
}
