package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testProgram = "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4"
	testGroup   = "2HqPaB7uVdyrRdbrryPQVPrkCDFxFkChUPSD7M1TiYWP"
	testSigner  = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	solVault    = "So11111111111111111111111111111111111111112"
	usdtVault   = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	filler      = "SysvarC1ock11111111111111111111111111111111"
)

// Deposit of 10000 raw units: tag 2 then quantity, both little-endian.
const depositHex = "020000001027000000000000"

func transferAccounts() string {
	return strings.Join([]string{testGroup, filler, testSigner, usdtVault, solVault}, ",")
}

func writeVaultTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
assets:
  - symbol: SOL
    vault: `+solVault+`
    decimals: 9
  - symbol: USDT
    vault: `+usdtVault+`
    decimals: 6
    fixed_price: 1
`), 0o600))
	return path
}

func TestDecodeCommand_Hex(t *testing.T) {
	out, err := runCLI(t, "--json", "decode",
		"--program", testProgram,
		"--group", testGroup,
		"--hex", depositHex,
		"--accounts", transferAccounts(),
	)
	require.NoError(t, err)

	var decoded []decodedInstruction
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "deposit", decoded[0].Kind)
	assert.Equal(t, uint32(2), decoded[0].Discriminant)
	assert.Equal(t, testSigner, decoded[0].Signer)
	assert.Equal(t, solVault, decoded[0].Vault)
	assert.Equal(t, uint64(10000), decoded[0].Quantity)
}

func TestDecodeCommand_Human(t *testing.T) {
	out, err := runCLI(t, "decode",
		"--program", testProgram,
		"--hex", "0x030000000100000000000000",
		"--accounts", transferAccounts(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "withdraw")
	assert.Contains(t, out, "Quantity:  1")
}

func TestDecodeCommand_Malformed(t *testing.T) {
	out, err := runCLI(t, "--jq", ".[0].kind", "decode",
		"--program", testProgram,
		"--hex", "02000000",
		"--accounts", transferAccounts(),
	)
	require.NoError(t, err)
	assert.Equal(t, "malformed\n", out)
}

func TestDecodeCommand_Errors(t *testing.T) {
	_, err := runCLI(t, "decode", "--program", testProgram)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one of --data, --hex or --signature is required")

	_, err = runCLI(t, "decode", "--program", "nope", "--hex", depositHex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --program")

	_, err = runCLI(t, "decode", "--program", testProgram, "--hex", "zz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode instruction data")
}

// transactionRPC serves getTransaction for any signature with a transaction
// holding instructions, all of testProgram.
func transactionRPC(t *testing.T, instructions []solanago.CompiledInstruction) *httptest.Server {
	t.Helper()
	keys := []solanago.PublicKey{
		solanago.MustPublicKeyFromBase58(testGroup),
		solanago.MustPublicKeyFromBase58(filler),
		solanago.MustPublicKeyFromBase58(testSigner),
		solanago.MustPublicKeyFromBase58(usdtVault),
		solanago.MustPublicKeyFromBase58(solVault),
		solanago.MustPublicKeyFromBase58(testProgram),
	}
	tx := &solanago.Transaction{
		Signatures: []solanago.Signature{{1}},
		Message: solanago.Message{
			Header:       solanago.MessageHeader{NumRequiredSignatures: 1},
			AccountKeys:  keys,
			Instructions: instructions,
		},
	}
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Method != "getTransaction" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result": map[string]interface{}{
				"slot":        123,
				"blockTime":   1700000000,
				"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
				"meta":        map[string]interface{}{"err": nil},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDecodeCommand_SignatureListsEveryProgramInstruction(t *testing.T) {
	deposit, err := hex.DecodeString(depositHex)
	require.NoError(t, err)
	unknownTag := append([]byte{9, 0, 0, 0}, deposit[4:]...)

	srv := transactionRPC(t, []solanago.CompiledInstruction{
		{ProgramIDIndex: 5, Accounts: []uint16{0, 1}, Data: deposit},
		{ProgramIDIndex: 5, Accounts: []uint16{0, 1, 2, 3, 4}, Data: unknownTag},
		{ProgramIDIndex: 5, Accounts: []uint16{0, 1, 2, 3, 4}, Data: deposit},
	})

	out, err := runCLI(t, "--json", "decode",
		"--program", testProgram,
		"--group", testGroup,
		"--rpc-url", srv.URL,
		"--signature", solanago.Signature{1, 0xAB}.String(),
	)
	require.NoError(t, err)

	var decoded []decodedInstruction
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	require.Len(t, decoded, 3)

	assert.Equal(t, "malformed", decoded[0].Kind)
	assert.NotEmpty(t, decoded[0].Error)
	assert.Equal(t, "unrecognized", decoded[1].Kind)
	assert.Equal(t, uint32(9), decoded[1].Discriminant)
	assert.Equal(t, "deposit", decoded[2].Kind)
	assert.Equal(t, 2, decoded[2].Index)
	assert.Equal(t, uint64(10000), decoded[2].Quantity)
	assert.Equal(t, uint64(123), decoded[2].Slot)
}

func TestConvertCommand(t *testing.T) {
	out, err := runCLI(t, "convert", "--decimals", "9", "1500000000")
	require.NoError(t, err)
	assert.Equal(t, "1.5\n", out)

	out, err = runCLI(t, "convert", "--symbol", "SOL", "--vault-table", writeVaultTable(t), "--price", "20000", "1500000000")
	require.NoError(t, err)
	assert.Contains(t, out, "1.5\n")
	assert.Contains(t, out, "$30000")

	out, err = runCLI(t, "--jq", ".quantity", "convert", "--decimals", "6", "18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, "18446744073709.551615\n", out)
}

func TestConvertCommand_Errors(t *testing.T) {
	_, err := runCLI(t, "convert", "--decimals", "6")
	assert.Error(t, err)

	_, err = runCLI(t, "convert", "--decimals", "6", "-5")
	assert.Error(t, err)

	_, err = runCLI(t, "convert", "100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--decimals or --symbol is required")
}

func TestPricesCommand_Fixed(t *testing.T) {
	out, err := runCLI(t, "prices", "--vault-table", writeVaultTable(t))
	require.NoError(t, err)
	assert.Contains(t, out, "fixed source")
	assert.Contains(t, out, "SOL      (missing)")
	assert.Contains(t, out, "USDT     1")
}

func TestPricesCommand_Feed(t *testing.T) {
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"solana": {"usd": 150.5}}`))
	}))
	defer feed.Close()

	out, err := runCLI(t, "--json", "prices",
		"--vault-table", writeVaultTable(t),
		"--feed-url", feed.URL,
		"--feed-jq", "{SOL: .solana.usd}",
	)
	require.NoError(t, err)

	var prices map[string]float64
	require.NoError(t, json.Unmarshal([]byte(out), &prices))
	assert.Equal(t, 150.5, prices["SOL"])
	assert.Equal(t, 1.0, prices["USDT"])
}

func TestNotifyCommand_Webhook(t *testing.T) {
	received := make(chan map[string]string, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		json.Unmarshal(body, &m)
		received <- m
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	out, err := runCLI(t, "notify", "--webhook-url", hook.URL, "--text", "hello from tests")
	require.NoError(t, err)
	assert.Contains(t, out, "Test alert delivered to webhook")

	m := <-received
	assert.Equal(t, "hello from tests", m["content"])
}

func TestNotifyCommand_NoSinks(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "")
	t.Setenv("NATS_URL", "")

	_, err := runCLI(t, "notify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no alert sink configured")
}
