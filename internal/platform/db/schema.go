package db

import (
	"context"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const DBConnKey contextKey = "db_conn"

var schemaPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidSchema reports whether name is safe to interpolate as a schema
// identifier.
func ValidSchema(name string) bool {
	return schemaPattern.MatchString(name)
}

// WithSchema acquires a connection whose search_path points at schema and
// stores it on the returned context, where repositories pick it up through
// ConnFromContext. The release func resets the search_path before handing
// the connection back to the pool.
func WithSchema(ctx context.Context, pool *pgxpool.Pool, schema string) (context.Context, func(), error) {
	if !ValidSchema(schema) {
		return nil, nil, fmt.Errorf("invalid schema identifier: %q", schema)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path to %s: %w", schema, err)
	}

	release := func() {
		_, _ = conn.Exec(context.Background(), "RESET search_path")
		conn.Release()
	}
	return context.WithValue(ctx, DBConnKey, conn), release, nil
}

// ConnFromContext retrieves the schema-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// CreateSchema creates schema if needed and applies the embedded migrations
// to it.
func CreateSchema(ctx context.Context, pool *pgxpool.Pool, schema string) (int, error) {
	if !ValidSchema(schema) {
		return 0, fmt.Errorf("invalid schema identifier: %q", schema)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return 0, fmt.Errorf("create schema %s: %w", schema, err)
	}

	count, err := NewMigrator(pool, Migrations).Up(ctx, schema)
	if err != nil {
		return count, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return count, nil
}
