package database

import (
	"database/sql"
	"fmt"
)

type PgLoungeRepository struct {
	conn *sql.DB
}

func NewPgLoungeRepository(dsn string) (*PgLoungeRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PgLoungeRepository{conn: db}, nil
}

func (db *PgLoungeRepository) Ping() error {
	return db.conn.Ping()
}

func (db *PgLoungeRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
