package solana

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_DepositAndWithdraw(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name string
		tag  uint32
		kind Kind
	}{
		{"deposit", DepositDiscriminant, KindDeposit},
		{"withdraw", WithdrawDiscriminant, KindWithdraw},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.Classify(Instruction{
				ProgramID: testProgram,
				Accounts:  transferAccounts(),
				Data:      transferData(tt.tag, 1_500_000_000),
			})

			require.Equal(t, tt.kind, ev.Kind)
			assert.True(t, ev.Kind.IsTransfer())
			assert.Equal(t, tt.tag, ev.Discriminant)
			assert.Equal(t, testSigner, ev.Signer)
			assert.Equal(t, testVault, ev.Vault)
			assert.Equal(t, uint64(1_500_000_000), ev.Quantity)
			assert.NoError(t, ev.Err)
		})
	}
}

func TestClassify_ForeignProgramNeverDecoded(t *testing.T) {
	c := newTestClassifier(t)

	// Same bytes as a valid deposit, but issued to another program.
	ev := c.Classify(Instruction{
		ProgramID: testOther,
		Accounts:  transferAccounts(),
		Data:      transferData(DepositDiscriminant, 42),
	})
	assert.Equal(t, KindNotOfInterest, ev.Kind)
	assert.Zero(t, ev.Quantity)
	assert.True(t, ev.Signer.IsZero())

	// Garbage for another program is not an error either.
	ev = c.Classify(Instruction{ProgramID: testOther, Data: []byte{1}})
	assert.Equal(t, KindNotOfInterest, ev.Kind)
}

func TestClassify_Unrecognized(t *testing.T) {
	c := newTestClassifier(t)

	ev := c.Classify(Instruction{
		ProgramID: testProgram,
		Accounts:  transferAccounts(),
		Data:      transferData(7, 10),
	})
	assert.Equal(t, KindUnrecognized, ev.Kind)
	assert.Equal(t, uint32(7), ev.Discriminant)
	assert.False(t, ev.Kind.IsTransfer())
}

func TestClassify_Malformed(t *testing.T) {
	c := newTestClassifier(t)

	swapped := transferAccounts()
	swapped[4] = testSigner

	foreignGroup := transferAccounts()
	foreignGroup[0] = testOther

	tests := []struct {
		name     string
		accounts []solana.PublicKey
		data     []byte
		errMsg   string
	}{
		{
			name:     "empty payload",
			accounts: transferAccounts(),
			data:     nil,
			errMsg:   "discriminant",
		},
		{
			name:     "quantity truncated",
			accounts: transferAccounts(),
			data:     transferData(DepositDiscriminant, 5)[:8],
			errMsg:   "quantity",
		},
		{
			name:     "too few accounts",
			accounts: transferAccounts()[:4],
			data:     transferData(WithdrawDiscriminant, 5),
			errMsg:   "need at least 5",
		},
		{
			name:     "wrong group",
			accounts: foreignGroup,
			data:     transferData(DepositDiscriminant, 5),
			errMsg:   "expected group",
		},
		{
			name:     "vault equals signer",
			accounts: swapped,
			data:     transferData(DepositDiscriminant, 5),
			errMsg:   "equals signer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := c.Classify(Instruction{ProgramID: testProgram, Accounts: tt.accounts, Data: tt.data})
			require.Equal(t, KindMalformed, ev.Kind)
			require.Error(t, ev.Err)
			assert.Contains(t, ev.Err.Error(), tt.errMsg)
		})
	}
}

func TestClassify_GroupCheckDisabled(t *testing.T) {
	c, err := NewClassifier(testProgram, solana.PublicKey{}, DefaultLayout())
	require.NoError(t, err)

	accounts := transferAccounts()
	accounts[0] = testOther

	ev := c.Classify(Instruction{
		ProgramID: testProgram,
		Accounts:  accounts,
		Data:      transferData(DepositDiscriminant, 1),
	})
	assert.Equal(t, KindDeposit, ev.Kind)
}

func TestClassify_CustomLayout(t *testing.T) {
	c, err := NewClassifier(testProgram, testGroup, Layout{GroupOffset: -1, SignerOffset: 0, VaultOffset: 1})
	require.NoError(t, err)

	ev := c.Classify(Instruction{
		ProgramID: testProgram,
		Accounts:  []solana.PublicKey{testSigner, testVault},
		Data:      transferData(WithdrawDiscriminant, 9),
	})
	require.Equal(t, KindWithdraw, ev.Kind)
	assert.Equal(t, testSigner, ev.Signer)
	assert.Equal(t, testVault, ev.Vault)
}

func TestNewClassifier_Validation(t *testing.T) {
	_, err := NewClassifier(solana.PublicKey{}, testGroup, DefaultLayout())
	assert.Error(t, err)

	_, err = NewClassifier(testProgram, testGroup, Layout{GroupOffset: 0, SignerOffset: 2, VaultOffset: 2})
	assert.Error(t, err)

	_, err = NewClassifier(testProgram, testGroup, Layout{GroupOffset: 2, SignerOffset: 2, VaultOffset: 4})
	assert.Error(t, err)

	_, err = NewClassifier(testProgram, testGroup, Layout{GroupOffset: 0, SignerOffset: -1, VaultOffset: 4})
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "deposit", KindDeposit.String())
	assert.Equal(t, "withdraw", KindWithdraw.String())
	assert.Equal(t, "malformed", KindMalformed.String())
	assert.Equal(t, "unrecognized", KindUnrecognized.String())
	assert.Equal(t, "not_of_interest", KindNotOfInterest.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
