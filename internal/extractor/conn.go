package extractor

import (
	"context"
	"database/sql"
	"log"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// statementTimeout caps any single extraction statement server-side.
const statementTimeout = "300000" // 5 minutes, in ms

// ConnCache holds one source connection across sequential invocations
// within a process lifetime, probing liveness and transparently replacing a
// stale connection before each reuse. It is never shared by two in-flight
// streams.
type ConnCache struct {
	mu  sync.Mutex
	db  *sql.DB
	dsn string
}

// Get returns a live *sql.DB for dsn, reusing the cached connection when it
// still answers a probe.
func (c *ConnCache) Get(ctx context.Context, dsn string) (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil && c.dsn == dsn {
		if err := c.db.PingContext(ctx); err == nil {
			return c.db, nil
		}
		log.Printf("extractor: cached connection is stale, reconnecting")
		c.db.Close()
		c.db = nil
	}

	db, err := sql.Open("pgx", dsn+" options='-c statement_timeout="+statementTimeout+"'")
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &Error{Op: "connect", Err: err}
	}

	// One connection is enough: a run streams a single cursor at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c.db = db
	c.dsn = dsn
	return db, nil
}

// Close discards the cached connection.
func (c *ConnCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}
