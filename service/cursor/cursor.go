// Package cursor holds the position of the monitor in the signature history of the
// monitored account, and the stores that persist it.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ErrNotFound is returned by stores that have no cursor for an address.
var ErrNotFound = errors.New("cursor not found")

// Cursor is the last processed signature. The zero value means no cursor.
type Cursor struct {
	Signature solana.Signature
	Slot      uint64
	UpdatedAt time.Time
}

// IsZero reports whether c is unset.
func (c Cursor) IsZero() bool {
	return c.Signature.IsZero()
}

// Before reports whether c is strictly older than other by slot.
func (c Cursor) Before(other Cursor) bool {
	return c.Slot < other.Slot
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s@%d", c.Signature, c.Slot)
}

// Store persists one cursor per monitored address.
type Store interface {
	Load(ctx context.Context, address solana.PublicKey) (Cursor, error)
	Save(ctx context.Context, address solana.PublicKey, c Cursor) error
	Delete(ctx context.Context, address solana.PublicKey) error
}

type record struct {
	Address   string    `json:"address"`
	Signature string    `json:"signature"`
	Slot      uint64    `json:"slot"`
	UpdatedAt time.Time `json:"updated_at"`
}

func encode(address solana.PublicKey, c Cursor) ([]byte, error) {
	return json.Marshal(record{
		Address:   address.String(),
		Signature: c.Signature.String(),
		Slot:      c.Slot,
		UpdatedAt: c.UpdatedAt,
	})
}

func decode(data []byte) (Cursor, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return Cursor{}, fmt.Errorf("failed to decode cursor: %w", err)
	}
	sig, err := solana.SignatureFromBase58(r.Signature)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor signature %q: %w", r.Signature, err)
	}
	return Cursor{Signature: sig, Slot: r.Slot, UpdatedAt: r.UpdatedAt}, nil
}
