package solana

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Instruction discriminants of the monitored program. The payload starts with a
// u32 little-endian tag; Deposit and Withdraw follow it with a u64 little-endian quantity.
const (
	DepositDiscriminant  = uint32(2)
	WithdrawDiscriminant = uint32(3)
)

// Layout names the positions of the accounts the classifier reads from a
// Deposit or Withdraw instruction. A negative GroupOffset disables the group check.
type Layout struct {
	GroupOffset  int
	SignerOffset int
	VaultOffset  int
}

// DefaultLayout is the account order of the monitored program's Deposit and
// Withdraw instructions: group, margin account, owner, root bank, vault.
func DefaultLayout() Layout {
	return Layout{GroupOffset: 0, SignerOffset: 2, VaultOffset: 4}
}

// Validate checks that the offsets are usable.
func (l Layout) Validate() error {
	if l.SignerOffset < 0 || l.VaultOffset < 0 {
		return errors.New("signer and vault offsets must be non-negative")
	}
	if l.SignerOffset == l.VaultOffset {
		return errors.New("signer and vault offsets must differ")
	}
	if l.GroupOffset >= 0 && (l.GroupOffset == l.SignerOffset || l.GroupOffset == l.VaultOffset) {
		return errors.New("group offset must differ from signer and vault offsets")
	}
	return nil
}

func (l Layout) minAccounts() int {
	return max(l.GroupOffset, l.SignerOffset, l.VaultOffset) + 1
}

// Classifier decodes instructions of the monitored program into events.
// It is pure and safe for concurrent use.
type Classifier struct {
	programID solana.PublicKey
	group     solana.PublicKey
	layout    Layout
}

// NewClassifier creates a classifier for programID. If group is the zero key the
// group account is not checked.
func NewClassifier(programID, group solana.PublicKey, layout Layout) (*Classifier, error) {
	if programID.IsZero() {
		return nil, errors.New("program id is required")
	}
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid account layout: %w", err)
	}
	return &Classifier{programID: programID, group: group, layout: layout}, nil
}

// ProgramID returns the monitored program.
func (c *Classifier) ProgramID() solana.PublicKey {
	return c.programID
}

// Classify tags one instruction. Instructions of other programs are
// KindNotOfInterest and never decoded.
func (c *Classifier) Classify(ins Instruction) Event {
	if !ins.ProgramID.Equals(c.programID) {
		return Event{Kind: KindNotOfInterest}
	}

	dec := bin.NewBinDecoder(ins.Data)
	tag, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return malformed(0, fmt.Errorf("failed to read discriminant: %w", err))
	}

	var kind Kind
	switch tag {
	case DepositDiscriminant:
		kind = KindDeposit
	case WithdrawDiscriminant:
		kind = KindWithdraw
	default:
		return Event{Kind: KindUnrecognized, Discriminant: tag}
	}

	quantity, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return malformed(tag, fmt.Errorf("failed to read %s quantity: %w", kind, err))
	}

	if len(ins.Accounts) < c.layout.minAccounts() {
		return malformed(tag, fmt.Errorf("%s has %d accounts, need at least %d",
			kind, len(ins.Accounts), c.layout.minAccounts()))
	}

	if c.layout.GroupOffset >= 0 && !c.group.IsZero() {
		if got := ins.Accounts[c.layout.GroupOffset]; !got.Equals(c.group) {
			return malformed(tag, fmt.Errorf("account %d is %s, expected group %s",
				c.layout.GroupOffset, got, c.group))
		}
	}

	signer := ins.Accounts[c.layout.SignerOffset]
	vault := ins.Accounts[c.layout.VaultOffset]
	if vault.Equals(signer) {
		return malformed(tag, fmt.Errorf("vault %s equals signer", vault))
	}

	return Event{
		Kind:         kind,
		Discriminant: tag,
		Signer:       signer,
		Vault:        vault,
		Quantity:     quantity,
	}
}

func malformed(tag uint32, err error) Event {
	return Event{Kind: KindMalformed, Discriminant: tag, Err: err}
}
