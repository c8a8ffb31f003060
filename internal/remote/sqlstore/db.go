// Package sqlstore implements the remote store contract on SQLite. It stands
// in for the hosted backend: row storage with per-user authorization, blob
// storage and a change feed published on the bus after every committed write.
package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/huddle/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database shared by every client.
type DB struct {
	*sql.DB
	bus *bus.Bus
	now func() time.Time
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
// Changes are published on b.
func Open(path string, b *bus.Bus) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if b == nil {
		b = bus.New()
	}
	return &DB{DB: db, bus: b, now: time.Now}, nil
}

// SetClock replaces the time source used for server-assigned timestamps.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

// Bus returns the bus the change feed is published on.
func (db *DB) Bus() *bus.Bus {
	return db.bus
}

// Client returns a new signed-out client of the store.
func (db *DB) Client() *Client {
	return &Client{db: db}
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMS(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, '?')
	}
	return string(b)
}
