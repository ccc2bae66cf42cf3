package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) AutoMigrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS admins (
            id SERIAL PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS websites (
            id SERIAL PRIMARY KEY,
            owner_id INT REFERENCES admins(id) ON DELETE CASCADE,
            domain VARCHAR(255) NOT NULL,
            ai_enabled BOOLEAN DEFAULT FALSE,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
        )`,

		`CREATE TABLE IF NOT EXISTS visitors (
            website_id INT REFERENCES websites(id) ON DELETE CASCADE,
            visitor_id UUID NOT NULL,
            browser VARCHAR(100) DEFAULT '',
            country VARCHAR(100) DEFAULT '',
            country_code VARCHAR(10) DEFAULT '',
            continent VARCHAR(50) DEFAULT '',
            asn VARCHAR(50) DEFAULT '',
            as_name VARCHAR(255) DEFAULT '',
            visitor_ip VARCHAR(45) DEFAULT '',
            last_seen TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (website_id, visitor_id)
        )`,

		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            website_id INT REFERENCES websites(id) ON DELETE CASCADE,
            visitor_id UUID NOT NULL,
            type VARCHAR(10) CHECK (type IN ('visitor', 'admin', 'ai')) NOT NULL,
            content TEXT NOT NULL,
            read BOOLEAN DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
            ON messages (website_id, visitor_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS ai_usage (
            website_id INT REFERENCES websites(id) ON DELETE CASCADE,
            period CHAR(7) NOT NULL,
            replies INT DEFAULT 0,
            PRIMARY KEY (website_id, period)
        )`,
	}

	for _, query := range queries {
		_, err := d.Conn.Exec(query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
