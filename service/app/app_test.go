package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/brojonat/vaultwatch/service/config"
	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/price"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vaultsYAML = `
assets:
  - symbol: SOL
    vault: So11111111111111111111111111111111111111112
    decimals: 9
  - symbol: USDT
    vault: Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB
    decimals: 6
    fixed_price: 1
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(vaultsYAML), 0o600))

	return &config.Config{
		SolanaRPCURLs:      []string{"https://api.mainnet-beta.solana.com"},
		ProgramID:          solanago.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"),
		GroupAddress:       solanago.MustPublicKeyFromBase58("2HqPaB7uVdyrRdbrryPQVPrkCDFxFkChUPSD7M1TiYWP"),
		SignerOffset:       2,
		VaultOffset:        4,
		VaultTablePath:     path,
		MinTransferUSD:     decimal.NewFromInt(10000),
		SignaturePageLimit: 1000,
		RPCMaxRetries:      3,
		CursorStore:        config.CursorStoreMemory,
		CyclesPerRun:       500,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuild_MemoryStore(t *testing.T) {
	cfg := testConfig(t)

	a, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 2, a.Table.Len())
	assert.IsType(t, &price.FixedSource{}, a.Prices)
	assert.IsType(t, &cursor.MemoryStore{}, a.Store)
	assert.Nil(t, a.Publisher)
	assert.Equal(t, 0, a.Notifier.Len())
	assert.Equal(t, cfg.GroupAddress, a.Cycle.Address())
}

func TestBuild_WithWebhookAndFeed(t *testing.T) {
	cfg := testConfig(t)
	cfg.WebhookURL = "https://hooks.example.com/alert"
	cfg.PriceFeedURL = "https://prices.example.com/simple"
	cfg.PriceFeedJQ = "{SOL: .solana.usd}"

	a, err := Build(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 1, a.Notifier.Len())
	assert.IsType(t, &price.HTTPSource{}, a.Prices)
}

func TestBuild_Errors(t *testing.T) {
	t.Run("missing vault table", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.VaultTablePath = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := Build(context.Background(), cfg, testLogger())
		assert.Error(t, err)
	})

	t.Run("bad price filter", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.PriceFeedURL = "https://prices.example.com/simple"
		cfg.PriceFeedJQ = "{{"
		_, err := Build(context.Background(), cfg, testLogger())
		assert.Error(t, err)
	})

	t.Run("no endpoints", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.SolanaRPCURLs = nil
		_, err := Build(context.Background(), cfg, testLogger())
		assert.Error(t, err)
	})
}

func TestOpenStore_Badger(t *testing.T) {
	cfg := testConfig(t)
	cfg.CursorStore = config.CursorStoreBadger
	cfg.CursorPath = filepath.Join(t.TempDir(), "cursor")

	store, closeFn, err := OpenStore(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	c := cursor.Cursor{Signature: solanago.Signature{1}, Slot: 42}
	require.NoError(t, store.Save(ctx, cfg.GroupAddress, c))

	got, err := store.Load(ctx, cfg.GroupAddress)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Slot)

	closeFn()
}
