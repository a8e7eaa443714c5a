// Package db opens the SQL connections used by the chat store.
package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/config"
)

// sqlx driver names.
const (
	DriverSQLite3 = "sqlite3"
	DriverPGX     = "pgx"
)

// IsPostgres reports whether driver is the pgx driver.
func IsPostgres(driver string) bool {
	return driver == DriverPGX
}

// Pool provides separate read and write connections. For PostgreSQL both
// return the same *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Open builds a Pool for the configured driver.
func Open(cfg config.DatabaseConfig) (*Pool, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverPostgres:
		raw, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		x := sqlx.NewDb(raw, DriverPGX)
		return NewPool(x, x), nil
	case config.DriverSQLite, "":
		w, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		r, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(w, DriverSQLite3), sqlx.NewDb(r, DriverSQLite3)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// Writer returns the pool used for writes and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both pools once.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
