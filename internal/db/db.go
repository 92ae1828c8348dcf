package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Connect opens the postgres pool and applies the chat schema.
func Connect(ctx context.Context, dsn string, log zerolog.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Int("migrations", len(migrations)).Msg("database migrations applied")

	return db, nil
}

// users is owned by the account service; the chat only needs id and nickname
// and creates the table when running standalone.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id SERIAL PRIMARY KEY,
            nickname VARCHAR(32) NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
            id SERIAL PRIMARY KEY,
            room_name VARCHAR(50) NOT NULL,
            sender_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            receiver_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL,
            message_type VARCHAR(10) NOT NULL DEFAULT 'text'
                CHECK (message_type IN ('text', 'image', 'file')),
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
	`CREATE INDEX IF NOT EXISTS idx_room_time ON chat_messages (room_name, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_receiver_unread ON chat_messages (receiver_id, is_read, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_sender_time ON chat_messages (sender_id, created_at);`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
