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

// Package storage persists all goalpost state in a single sqlite file.
// Every entity except users and instance config is owned by one user and
// cascades on user deletion.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/goalpost-dev/goalpost"
	"github.com/goalpost-dev/goalpost/lib/defaults"
	logutils "github.com/goalpost-dev/goalpost/lib/utils/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds storage configuration.
type Config struct {
	// Path is the sqlite database file location.
	Path string
	// Clock is used for row timestamps.
	Clock clockwork.Clock
	// Logger emits storage diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults does basic validation and default setting.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		c.Path = defaults.DatabasePath
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(goalpost.ComponentKey, goalpost.ComponentStorage)
	}
	return nil
}

// querier is the database surface shared by *sql.DB and *sql.Tx, letting
// every query run either directly or inside a caller-owned transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage wraps the sqlite database. A single connection serializes
// writers; WAL keeps readers cheap.
type Storage struct {
	Config
	db *sql.DB

	// q is the handle queries run against: the database itself, or the
	// enclosing transaction on views produced by WithTx.
	q  querier
	tx *sql.Tx
}

// New opens (creating when absent) the database at cfg.Path and applies
// pending migrations.
func New(ctx context.Context, cfg Config) (*Storage, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	dsn := fmt.Sprintf("file:%s?%s", cfg.Path, url.Values{
		"_busy_timeout": []string{"10000"},
		"_txlock":       []string{"immediate"},
		"_journal_mode": []string{"WAL"},
		"_foreign_keys": []string{"on"},
	}.Encode())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, trace.ConnectionProblem(err, "opening database at %q", cfg.Path)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}

	cfg.Logger.InfoContext(ctx, "Opened database.", "path", cfg.Path)
	return &Storage{Config: cfg, db: db, q: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return trace.Wrap(err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return trace.Wrap(err, "applying migrations")
	}
	return nil
}

// Close releases the database handle.
func (s *Storage) Close() error {
	return trace.Wrap(s.db.Close())
}

func (s *Storage) newID() string {
	return uuid.NewString()
}

func (s *Storage) now() time.Time {
	return s.Clock.Now().UTC()
}

// inTx runs fn inside a transaction, committing when fn returns nil. On a
// WithTx view it joins the enclosing transaction instead of opening a new
// one.
func (s *Storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.tx != nil {
		return trace.Wrap(fn(s.tx))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return trace.NewAggregate(err, rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// WithTx runs fn with a view of the storage whose reads and writes all
// share one transaction. The transaction commits when fn returns nil and
// rolls back otherwise. The view is only valid inside fn.
func (s *Storage) WithTx(ctx context.Context, fn func(tx *Storage) error) error {
	if s.tx != nil {
		return trace.Wrap(fn(s))
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	view := &Storage{Config: s.Config, db: s.db, q: tx, tx: tx}
	if err := fn(view); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return trace.NewAggregate(err, rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit())
}

// convertError maps sqlite and database/sql failures onto the trace
// taxonomy the callers switch on.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return trace.NotFound("not found")
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return trace.AlreadyExists("already exists")
		case sqlite3.ErrConstraintForeignKey:
			return trace.NotFound("referenced row not found")
		}
	}
	return trace.Wrap(err)
}
