package db

import (
	"context"
	"testing"
	"time"

	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddress = solana.MustPublicKeyFromBase58("2HqPaB7uVdyrRdbrryPQVPrkCDFxFkChUPSD7M1TiYWP")

func testCursor(b byte, slot uint64) cursor.Cursor {
	var sig solana.Signature
	sig[0] = b
	sig[63] = b
	return cursor.Cursor{Signature: sig, Slot: slot, UpdatedAt: time.Now().UTC().Truncate(time.Microsecond)}
}

func TestCursorStore(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("missing cursor", func(t *testing.T) {
		_, err := store.Load(ctx, testAddress)
		assert.ErrorIs(t, err, cursor.ErrNotFound)
	})

	t.Run("save and load", func(t *testing.T) {
		c := testCursor(1, 1000)
		require.NoError(t, store.Save(ctx, testAddress, c))

		got, err := store.Load(ctx, testAddress)
		require.NoError(t, err)
		assert.Equal(t, c.Signature, got.Signature)
		assert.Equal(t, uint64(1000), got.Slot)
		assert.True(t, c.UpdatedAt.Equal(got.UpdatedAt))
	})

	t.Run("upsert", func(t *testing.T) {
		c := testCursor(2, 1001)
		require.NoError(t, store.Save(ctx, testAddress, c))

		got, err := store.Load(ctx, testAddress)
		require.NoError(t, err)
		assert.Equal(t, c.Signature, got.Signature)
		assert.Equal(t, uint64(1001), got.Slot)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, testAddress))
		_, err := store.Load(ctx, testAddress)
		assert.ErrorIs(t, err, cursor.ErrNotFound)

		require.NoError(t, store.Delete(ctx, testAddress))
	})

	t.Run("empty cursor rejected", func(t *testing.T) {
		assert.Error(t, store.Save(ctx, testAddress, cursor.Cursor{}))
	})
}

func TestStoreImplementsCursorStore(t *testing.T) {
	var _ cursor.Store = (*Store)(nil)
}
