package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `CREATE TABLE IF NOT EXISTS persona_settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore implements Store on a persona_settings table, for deployments
// running several gateway replicas against shared prompts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the table if needed.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres settings: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres settings connect: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres settings schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// LoadAll returns every stored row merged over the defaults.
func (s *PostgresStore) LoadAll(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM persona_settings`)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	return withDefaults(m), nil
}

// Get returns the prompt for name.
func (s *PostgresStore) Get(ctx context.Context, name string) (string, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM persona_settings WHERE key = $1`, Key(name)).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return defaults[Key(name)], nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s prompt: %w", name, err)
	}
	return v, nil
}

// Save upserts one prompt.
func (s *PostgresStore) Save(ctx context.Context, name, prompt string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO persona_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`, Key(name), prompt)
	if err != nil {
		return fmt.Errorf("save %s prompt: %w", name, err)
	}
	return nil
}

// SaveAll replaces every row in one transaction.
func (s *PostgresStore) SaveAll(ctx context.Context, m map[string]string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM persona_settings`); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for k, v := range m {
			batch.Queue(`INSERT INTO persona_settings (key, value) VALUES ($1, $2)`, k, v)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
