package solana

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// Instruction is one top-level instruction with its account indices resolved.
type Instruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
}

// TransactionRecord is a fetched transaction, independent of the RPC response format.
type TransactionRecord struct {
	Signature    solana.Signature
	Slot         uint64
	BlockTime    time.Time
	Failed       bool
	Instructions []Instruction
}

// Kind tags a classified instruction.
type Kind int

const (
	KindNotOfInterest Kind = iota
	KindDeposit
	KindWithdraw
	KindUnrecognized
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindNotOfInterest:
		return "not_of_interest"
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindUnrecognized:
		return "unrecognized"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// IsTransfer reports whether k is a vault transfer (Deposit or Withdraw).
func (k Kind) IsTransfer() bool {
	return k == KindDeposit || k == KindWithdraw
}

// Event is the result of classifying one instruction. Signer, Vault and Quantity
// are set only for Deposit and Withdraw; Err only for Malformed.
type Event struct {
	Kind         Kind
	Discriminant uint32
	Signer       solana.PublicKey
	Vault        solana.PublicKey
	Quantity     uint64
	Err          error

	Signature        solana.Signature
	Slot             uint64
	BlockTime        time.Time
	InstructionIndex int
}
