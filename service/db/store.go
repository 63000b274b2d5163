package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const cursorTable = "monitor_cursors"

// Schema creates the cursor table. It is applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS monitor_cursors (
	address    TEXT PRIMARY KEY,
	signature  TEXT NOT NULL,
	slot       BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Store persists monitor cursors in Postgres. It implements cursor.Store.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Connect opens a pool to databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the cursor table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create %s: %w", cursorTable, err)
	}
	return nil
}

// Load returns the cursor of address or cursor.ErrNotFound.
func (s *Store) Load(ctx context.Context, address solana.PublicKey) (cursor.Cursor, error) {
	start := time.Now()
	var (
		sig       string
		slot      int64
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT signature, slot, updated_at
		FROM monitor_cursors
		WHERE address = $1
	`, address.String()).Scan(&sig, &slot, &updatedAt)
	s.metrics.RecordDBQuery("load_cursor", cursorTable, time.Since(start).Seconds(), ignoreNoRows(err))

	if errors.Is(err, pgx.ErrNoRows) {
		return cursor.Cursor{}, cursor.ErrNotFound
	}
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("failed to load cursor for %s: %w", address, err)
	}

	signature, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("stored cursor for %s has invalid signature: %w", address, err)
	}
	return cursor.Cursor{Signature: signature, Slot: uint64(slot), UpdatedAt: updatedAt.UTC()}, nil
}

// Save upserts the cursor of address.
func (s *Store) Save(ctx context.Context, address solana.PublicKey, c cursor.Cursor) error {
	if c.IsZero() {
		return errors.New("cannot save an empty cursor")
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO monitor_cursors (address, signature, slot, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address) DO UPDATE
		SET signature = EXCLUDED.signature,
		    slot = EXCLUDED.slot,
		    updated_at = EXCLUDED.updated_at
	`, address.String(), c.Signature.String(), int64(c.Slot), updatedAt)
	s.metrics.RecordDBQuery("save_cursor", cursorTable, time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", address, err)
	}
	return nil
}

// Delete removes the cursor of address. Deleting a missing cursor is not an error.
func (s *Store) Delete(ctx context.Context, address solana.PublicKey) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM monitor_cursors WHERE address = $1`, address.String())
	s.metrics.RecordDBQuery("delete_cursor", cursorTable, time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("failed to delete cursor for %s: %w", address, err)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}
