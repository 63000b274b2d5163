package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/vaultwatch/service/alert"
	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/nats"
	"github.com/brojonat/vaultwatch/service/price"
	"github.com/brojonat/vaultwatch/service/solana"
	"github.com/brojonat/vaultwatch/service/vault"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var (
	testGroup    = solanago.MustPublicKeyFromBase58("2HqPaB7uVdyrRdbrryPQVPrkCDFxFkChUPSD7M1TiYWP")
	testSigner   = solanago.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	solVault     = solanago.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	usdtVault    = solanago.MustPublicKeyFromBase58("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")
	unknownVault = solanago.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSig(n byte) solanago.Signature {
	var s solanago.Signature
	s[0] = n
	s[1] = 0xCD
	s[63] = n
	return s
}

func testCursor(n byte, slot uint64) cursor.Cursor {
	return cursor.Cursor{Signature: testSig(n), Slot: slot}
}

func testTable(t *testing.T) *vault.Table {
	t.Helper()
	one := 1.0
	table, err := vault.NewTable([]vault.AssetConfig{
		{Symbol: "SOL", Vault: solVault.String(), Decimals: 9},
		{Symbol: "USDT", Vault: usdtVault.String(), Decimals: 6, FixedPrice: &one},
	})
	require.NoError(t, err)
	return table
}

func transfer(kind solana.Kind, v solanago.PublicKey, quantity uint64, sig byte, slot uint64, index int) solana.Event {
	tag := uint32(solana.DepositDiscriminant)
	if kind == solana.KindWithdraw {
		tag = solana.WithdrawDiscriminant
	}
	return solana.Event{
		Kind:             kind,
		Discriminant:     tag,
		Signer:           testSigner,
		Vault:            v,
		Quantity:         quantity,
		Signature:        testSig(sig),
		Slot:             slot,
		BlockTime:        time.Unix(1_700_000_000+int64(slot), 0).UTC(),
		InstructionIndex: index,
	}
}

// fetchStep is one scripted FetchSince response.
type fetchStep struct {
	events    []solana.Event
	next      cursor.Cursor
	err       error
	truncated bool
	remaining int

	// during runs inside FetchSince with the fetch context.
	during func(ctx context.Context)
}

type fakeFetcher struct {
	mu    sync.Mutex
	steps []fetchStep
	seen  []cursor.Cursor

	latest      cursor.Cursor
	latestErr   error
	latestCalls int
}

func (f *fakeFetcher) FetchSince(ctx context.Context, params solana.FetchParams) (*solana.FetchResult, cursor.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seen = append(f.seen, params.Cursor)
	if len(f.steps) == 0 {
		return &solana.FetchResult{}, params.Cursor, nil
	}
	step := f.steps[0]
	f.steps = f.steps[1:]
	if step.during != nil {
		step.during(ctx)
	}
	if step.err != nil {
		return nil, params.Cursor, step.err
	}
	next := step.next
	if next.IsZero() {
		next = params.Cursor
	}
	return &solana.FetchResult{
		Signatures:   len(step.events),
		Transactions: len(step.events),
		Instructions: len(step.events),
		Truncated:    step.truncated,
		Remaining:    step.remaining,
		Events:       step.events,
	}, next, nil
}

func (f *fakeFetcher) LatestCursor(_ context.Context, _ solanago.PublicKey) (cursor.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latestCalls++
	return f.latest, f.latestErr
}

func (f *fakeFetcher) cursors() []cursor.Cursor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cursor.Cursor(nil), f.seen...)
}

type staticPrices struct {
	mu    sync.Mutex
	snap  price.Snapshot
	err   error
	calls int
}

func (s *staticPrices) Name() string { return "static" }

func (s *staticPrices) GetPrices(_ context.Context) (price.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.snap, s.err
}

type recordingNotifier struct {
	mu       sync.Mutex
	err      error
	messages []alert.Message
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, msg alert.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return n.err
}

func (n *recordingNotifier) sent() []alert.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]alert.Message(nil), n.messages...)
}

type testRig struct {
	fetcher   *fakeFetcher
	prices    *staticPrices
	notifier  *recordingNotifier
	publisher *nats.MockPublisher
	cycle     *Cycle
}

// newRig builds a cycle with SOL at 20000 and a 10000 USD threshold.
func newRig(t *testing.T, steps ...fetchStep) *testRig {
	t.Helper()
	table := testTable(t)
	evaluator, err := alert.NewEvaluator(table, decimal.NewFromInt(10000))
	require.NoError(t, err)

	r := &testRig{
		fetcher:   &fakeFetcher{steps: steps},
		prices:    &staticPrices{snap: price.Snapshot{0: 20000, 1: 1}},
		notifier:  &recordingNotifier{},
		publisher: nats.NewMockPublisher(),
	}
	r.cycle, err = NewCycle(CycleConfig{
		Fetcher:   r.fetcher,
		Prices:    r.prices,
		Evaluator: evaluator,
		Notifier:  r.notifier,
		Publisher: r.publisher,
		Address:   testGroup,
	}, nil, testLogger())
	require.NoError(t, err)
	return r
}

var errUpstream = errors.New("rpc unavailable")
