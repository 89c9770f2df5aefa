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
	"time"

	"github.com/gravitational/trace"

	"github.com/goalpost-dev/goalpost/lib/types"
)

const pluginConnColumns = "user_id, plugin_id, enabled, access_token, refresh_token, expires_at, token_type, scope, last_sync, created_at, updated_at"

// UpsertPluginConnection writes a user's provider connection, replacing any
// previous credentials.
func (s *Storage) UpsertPluginConnection(ctx context.Context, conn types.PluginConnection) (types.PluginConnection, error) {
	if err := conn.CheckAndSetDefaults(); err != nil {
		return types.PluginConnection{}, trace.Wrap(err)
	}
	now := s.now()
	conn.UpdatedAt = now

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO plugin_connections (`+pluginConnColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, plugin_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   token_type = excluded.token_type,
		   scope = excluded.scope,
		   last_sync = excluded.last_sync,
		   updated_at = excluded.updated_at`,
		conn.UserID, conn.PluginID, conn.Enabled,
		conn.Credentials.AccessToken, conn.Credentials.RefreshToken, conn.Credentials.ExpiresAt,
		conn.Credentials.TokenType, conn.Credentials.Scope, conn.LastSync, now, now)
	if err != nil {
		return types.PluginConnection{}, convertError(err)
	}
	return s.GetPluginConnection(ctx, conn.UserID, conn.PluginID)
}

// GetPluginConnection fetches a user's connection to one provider.
func (s *Storage) GetPluginConnection(ctx context.Context, userID, pluginID string) (types.PluginConnection, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+pluginConnColumns+` FROM plugin_connections WHERE user_id = ? AND plugin_id = ?`,
		userID, pluginID)
	conn, err := scanPluginConnection(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return types.PluginConnection{}, trace.NotFound("no %q connection for user", pluginID)
		}
		return types.PluginConnection{}, trace.Wrap(err)
	}
	return conn, nil
}

// ListPluginConnections returns all of one user's provider connections.
func (s *Storage) ListPluginConnections(ctx context.Context, userID string) ([]types.PluginConnection, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+pluginConnColumns+` FROM plugin_connections WHERE user_id = ? ORDER BY plugin_id`, userID)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	return collectPluginConnections(rows)
}

// ListSyncableConnections returns every enabled connection whose owner is
// not disabled; the sync scheduler fans out over these.
func (s *Storage) ListSyncableConnections(ctx context.Context) ([]types.PluginConnection, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+prefixColumns(pluginConnColumns, "c.")+` FROM plugin_connections c
		 JOIN users u ON u.id = c.user_id
		 WHERE c.enabled = 1 AND u.disabled = 0
		 ORDER BY c.user_id, c.plugin_id`)
	if err != nil {
		return nil, convertError(err)
	}
	defer rows.Close()
	return collectPluginConnections(rows)
}

// SetPluginEnabled flips a connection on or off without touching its
// credentials.
func (s *Storage) SetPluginEnabled(ctx context.Context, userID, pluginID string, enabled bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE plugin_connections SET enabled = ?, updated_at = ? WHERE user_id = ? AND plugin_id = ?`,
		enabled, s.now(), userID, pluginID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("no %q connection for user", pluginID)
	}
	return nil
}

// UpdatePluginCredentials replaces a connection's tokens after a refresh.
func (s *Storage) UpdatePluginCredentials(ctx context.Context, userID, pluginID string, creds types.PluginCredentials) error {
	if err := creds.Check(); err != nil {
		return trace.Wrap(err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE plugin_connections SET access_token = ?, refresh_token = ?, expires_at = ?, token_type = ?, scope = ?, updated_at = ?
		 WHERE user_id = ? AND plugin_id = ?`,
		creds.AccessToken, creds.RefreshToken, creds.ExpiresAt, creds.TokenType, creds.Scope,
		s.now(), userID, pluginID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("no %q connection for user", pluginID)
	}
	return nil
}

// SetPluginLastSync stamps the completion time of a successful sync.
func (s *Storage) SetPluginLastSync(ctx context.Context, userID, pluginID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE plugin_connections SET last_sync = ?, updated_at = ? WHERE user_id = ? AND plugin_id = ?`,
		at.UTC(), s.now(), userID, pluginID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("no %q connection for user", pluginID)
	}
	return nil
}

// DeletePluginConnection disconnects a provider, dropping its credentials.
func (s *Storage) DeletePluginConnection(ctx context.Context, userID, pluginID string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM plugin_connections WHERE user_id = ? AND plugin_id = ?`, userID, pluginID)
	if err != nil {
		return convertError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return trace.NotFound("no %q connection for user", pluginID)
	}
	return nil
}

func collectPluginConnections(rows *sql.Rows) ([]types.PluginConnection, error) {
	var conns []types.PluginConnection
	for rows.Next() {
		conn, err := scanPluginConnection(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		conns = append(conns, conn)
	}
	return conns, trace.Wrap(rows.Err())
}

func scanPluginConnection(row scanner) (types.PluginConnection, error) {
	var c types.PluginConnection
	var lastSync sql.NullTime
	err := row.Scan(&c.UserID, &c.PluginID, &c.Enabled,
		&c.Credentials.AccessToken, &c.Credentials.RefreshToken, &c.Credentials.ExpiresAt,
		&c.Credentials.TokenType, &c.Credentials.Scope, &lastSync, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return types.PluginConnection{}, convertError(err)
	}
	if lastSync.Valid {
		c.LastSync = &lastSync.Time
	}
	return c, nil
}
