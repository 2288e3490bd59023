// Package postgres provides a PostgreSQL-backed [memory.Store] for
// deployments that share one database between several server instances.
//
// Queries run on a [pgxpool.Pool]. The schema is versioned with goose; the
// migrations are embedded in the binary and applied by [Migrate] through a
// database/sql handle opened on top of the same pool.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.CreateConversation(ctx)
//	_, _ = store.AppendTurn(ctx, memory.Turn{ConversationID: id, Role: memory.RoleUser, Content: "こんにちは"})
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending migration. It is idempotent and safe to call
// on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
