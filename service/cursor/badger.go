package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gagliardetto/solana-go"
)

const badgerKeyPrefix = "vaultwatch/cursor/"

// BadgerStore persists cursors in an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cursor database at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) key(address solana.PublicKey) []byte {
	return []byte(badgerKeyPrefix + address.String())
}

func (s *BadgerStore) Load(_ context.Context, address solana.PublicKey) (Cursor, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(address))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Cursor{}, ErrNotFound
	}
	if err != nil {
		return Cursor{}, fmt.Errorf("failed to load cursor for %s: %w", address, err)
	}
	return decode(data)
}

func (s *BadgerStore) Save(_ context.Context, address solana.PublicKey, c Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	data, err := encode(address, c)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(address), data)
	}); err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", address, err)
	}
	return nil
}

func (s *BadgerStore) Delete(_ context.Context, address solana.PublicKey) error {
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(address))
	}); err != nil {
		return fmt.Errorf("failed to delete cursor for %s: %w", address, err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
