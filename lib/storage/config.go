/*
 * Goalpost
 * Copyright (C) 2024  Goalpost, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

// GetConfigEntry fetches one instance config row by key.
func (s *Storage) GetConfigEntry(ctx context.Context, key string) (types.ConfigEntry, error) {
	var e types.ConfigEntry
	err := s.q.QueryRowContext(ctx,
		`SELECT key, value, is_secret, updated_at FROM config_entries WHERE key = ?`, key).
		Scan(&e.Key, &e.Value, &e.IsSecret, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.ConfigEntry{}, trace.NotFound("config key %q not found", key)
		}
		return types.ConfigEntry{}, convertError(err)
	}
	return e, nil
}

// ListConfigEntries returns every instance config row ordered by key.
func (s *Storage) ListConfigEntries(ctx context.Context) ([]types.ConfigEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT key, value, is_secret, updated_at FROM config_entries ORDER BY key`)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()

	var entries []types.ConfigEntry
	for rows.Next() {
		var e types.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.IsSecret, &e.UpdatedAt); err != nil {
			return nil, convertError(err)
		}
		entries = append(entries, e)
	}
	return entries, trace.Wrap(rows.Err())
}

// UpsertConfigEntries writes the given rows in one transaction.
func (s *Storage) UpsertConfigEntries(ctx context.Context, entries []types.ConfigEntry) error {
	for i := range entries {
		if err := entries[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	now := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range entries {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO config_entries (key, value, is_secret, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT (key) DO UPDATE SET
				   value = excluded.value, is_secret = excluded.is_secret, updated_at = excluded.updated_at`,
				e.Key, e.Value, e.IsSecret, now)
			if err != nil {
				return convertError(err)
			}
		}
		return nil
	})
}

// DeleteConfigEntry removes one instance config row.
func (s *Storage) DeleteConfigEntry(ctx context.Context, key string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM config_entries WHERE key = ?`, key)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("config key %q not found", key)
	}
	return nil
}
