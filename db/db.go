package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

// Schema holds the apparatus inventory: the valves found on the chain and
// the last commanded pump state. Run history is not kept here.
const Schema = `
CREATE TABLE IF NOT EXISTS valves (
	idx INTEGER PRIMARY KEY,
	address TEXT NOT NULL UNIQUE,
	configuration TEXT NOT NULL,
	num_ports INTEGER NOT NULL,
	current_port INTEGER NOT NULL DEFAULT 0,
	detected_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pump (
	id INTEGER PRIMARY KEY CHECK(id=1),
	flow TEXT NOT NULL,
	speed REAL NOT NULL,
	direction TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Open opens the sqlite file at dbPath and makes sure the schema exists.
func Open(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	conn.SetMaxOpenConns(1)

	if err := InitSchema(conn); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("Database opened")
	return conn, nil
}

func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
