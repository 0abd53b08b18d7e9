package health

import (
	"context"
	"database/sql"

	// Postgres driver for database-type definition pings.
	_ "github.com/lib/pq"
)

// pingDatabase checks that the definition's database accepts connections.
// The pool is throwaway; a probe is one connection, one ping.
func pingDatabase(ctx context.Context, dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	return db.PingContext(ctx)
}
