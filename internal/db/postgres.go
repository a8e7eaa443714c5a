package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPostgresMaxConns  = 25
	defaultPostgresIdleConns = 5
	postgresPingTimeout      = 10 * time.Second
	postgresConnMaxIdleTime  = 5 * time.Minute
	postgresApplicationName  = "webedt"
)

// OpenPostgres opens a PostgreSQL database through the pgx stdlib driver.
// Non-positive maxConns/minConns default to 25 and 5. Connections identify
// themselves as "webedt" unless the DSN sets application_name.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	connCfg, err := postgresConnConfig(dsn)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*connCfg)
	if maxConns <= 0 {
		maxConns = defaultPostgresMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPostgresIdleConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxIdleTime(postgresConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), postgresPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return db, nil
}

func postgresConnConfig(dsn string) (*pgx.ConnConfig, error) {
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	if cfg.RuntimeParams["application_name"] == "" {
		cfg.RuntimeParams["application_name"] = postgresApplicationName
	}
	return cfg, nil
}
