//go:build !cgo

package credstore

import (
	"context"
	"database/sql"
	"fmt"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping credential store: %w", err)
	}
	return db, nil
}
