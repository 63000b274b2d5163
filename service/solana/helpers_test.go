package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/vaultwatch/service/pacer"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

var (
	testProgram = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	testGroup   = solana.MustPublicKeyFromBase58("2HqPaB7uVdyrRdbrryPQVPrkCDFxFkChUPSD7M1TiYWP")
	testSigner  = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testVault   = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	testMargin  = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	testRoot    = solana.MustPublicKeyFromBase58("SysvarRent111111111111111111111111111111111")
	testOther   = solana.MustPublicKeyFromBase58("SysvarC1ock11111111111111111111111111111111")
)

// transferData builds a Deposit or Withdraw payload.
func transferData(tag uint32, quantity uint64) []byte {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], tag)
	binary.LittleEndian.PutUint64(data[4:12], quantity)
	return data
}

// transferAccounts is the account list of a Deposit or Withdraw in the default layout.
func transferAccounts() []solana.PublicKey {
	return []solana.PublicKey{testGroup, testMargin, testSigner, testRoot, testVault}
}

func testSig(n byte) solana.Signature {
	var s solana.Signature
	s[0] = n
	s[1] = 0xAB
	s[63] = n
	return s
}

// makeResult builds a GetTransactionResult the way the RPC returns it for
// base64 encoding: the transaction body is a binary envelope.
func makeResult(t *testing.T, slot uint64, keys []solana.PublicKey, instructions []solana.CompiledInstruction, meta *rpc.TransactionMeta) *rpc.GetTransactionResult {
	t.Helper()

	tx := &solana.Transaction{
		Signatures: []solana.Signature{testSig(0xFF)},
		Message: solana.Message{
			Header:       solana.MessageHeader{NumRequiredSignatures: 1},
			AccountKeys:  keys,
			Instructions: instructions,
		},
	}
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	payload, err := json.Marshal([]string{base64.StdEncoding.EncodeToString(raw), "base64"})
	require.NoError(t, err)

	var env rpc.TransactionResultEnvelope
	require.NoError(t, json.Unmarshal(payload, &env))

	blockTime := solana.UnixTimeSeconds(1_700_000_000 + int64(slot))
	return &rpc.GetTransactionResult{
		Slot:        slot,
		BlockTime:   &blockTime,
		Transaction: &env,
		Meta:        meta,
	}
}

// depositResult is a transaction with a single Deposit of quantity.
func depositResult(t *testing.T, slot uint64, tag uint32, quantity uint64) *rpc.GetTransactionResult {
	keys := append(transferAccounts(), testProgram)
	return makeResult(t, slot, keys, []solana.CompiledInstruction{
		{
			ProgramIDIndex: 5,
			Accounts:       []uint16{0, 1, 2, 3, 4},
			Data:           transferData(tag, quantity),
		},
	}, &rpc.TransactionMeta{})
}

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: chain holds the account history newest first and the
// listing honors Until, Before and Limit like the real node.
type mockRPCClient struct {
	mu           sync.Mutex
	chain        []*rpc.TransactionSignature
	transactions map[solana.Signature]*rpc.GetTransactionResult
	txErrors     map[solana.Signature][]error // consumed one per call
	err          error

	listCalls int
	txCalls   map[solana.Signature]int
	txTimes   []time.Time

	// onTransaction runs after the n-th GetTransaction call, outside the lock.
	onTransaction func(n int)
}

func (m *mockRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.err != nil {
		return nil, m.err
	}

	start := 0
	if !opts.Before.IsZero() {
		start = len(m.chain)
		for i, s := range m.chain {
			if s.Signature == opts.Before {
				start = i + 1
				break
			}
		}
	}

	limit := 1000
	if opts.Limit != nil {
		limit = *opts.Limit
	}

	var out []*rpc.TransactionSignature
	for _, s := range m.chain[start:] {
		if !opts.Until.IsZero() && s.Signature == opts.Until {
			break
		}
		if len(out) == limit {
			break
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *mockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	m.mu.Lock()
	if m.txCalls == nil {
		m.txCalls = make(map[solana.Signature]int)
	}
	m.txCalls[signature]++
	m.txTimes = append(m.txTimes, time.Now())
	if hook := m.onTransaction; hook != nil {
		n := len(m.txTimes)
		defer hook(n)
	}
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	if errs := m.txErrors[signature]; len(errs) > 0 {
		m.txErrors[signature] = errs[1:]
		return nil, errs[0]
	}
	res, ok := m.transactions[signature]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return res, nil
}

// push prepends a new signature to the history.
func (m *mockRPCClient) push(sig solana.Signature, slot uint64, res *rpc.GetTransactionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chain = append([]*rpc.TransactionSignature{{Signature: sig, Slot: slot}}, m.chain...)
	if res != nil {
		if m.transactions == nil {
			m.transactions = make(map[solana.Signature]*rpc.GetTransactionResult)
		}
		m.transactions[sig] = res
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := NewClassifier(testProgram, testGroup, DefaultLayout())
	require.NoError(t, err)
	return c
}

func newTestClient(t *testing.T, mock *mockRPCClient) *Client {
	t.Helper()
	c := NewClient(mock, newTestClassifier(t), nil, "test", nil, testLogger())
	c.SetRetryPolicy(2, 1)
	return c
}

func newPacedTestClient(t *testing.T, mock *mockRPCClient, interval time.Duration) *Client {
	t.Helper()
	c := NewClient(mock, newTestClassifier(t), pacer.New(interval), "test", nil, testLogger())
	c.SetRetryPolicy(2, 1)
	return c
}

// pushDeposits adds n deposits after the current history, quantity i at slot
// base+i.
func (m *mockRPCClient) pushDeposits(t *testing.T, base uint64, n int) {
	for i := 1; i <= n; i++ {
		slot := base + uint64(i)
		m.push(testSig(byte(slot)), slot, depositResult(t, slot, DepositDiscriminant, uint64(i)))
	}
}

var errRateLimited = errors.New("rpc call getTransaction() on https://api.mainnet-beta.solana.com: HTTP 429 Too Many Requests")
