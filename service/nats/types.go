package nats

import (
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/vaultwatch/service/alert"
	"github.com/brojonat/vaultwatch/service/amount"
)

// VaultEvent is an evaluated Deposit or Withdraw, published to
// "vault.{action}.{symbol}" in JetStream.
type VaultEvent struct {
	Signature        string `json:"signature"`
	InstructionIndex int    `json:"instruction_index"`
	Slot             uint64 `json:"slot"`

	Action string `json:"action"`
	Signer string `json:"signer"`
	Vault  string `json:"vault"`
	Symbol string `json:"symbol"`

	RawQuantity uint64 `json:"raw_quantity"`
	Quantity    string `json:"quantity"`

	// QuantityValue is Quantity as a number, for consumers filtering on it.
	QuantityValue float64 `json:"quantity_value"`
	Price         float64 `json:"price"`
	USD           string  `json:"usd"`
	Alert         bool    `json:"alert"`

	BlockTime   time.Time `json:"block_time"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published to.
func (e *VaultEvent) Subject() string {
	return fmt.Sprintf("vault.%s.%s", e.Action, subjectToken(e.Symbol))
}

// MsgID identifies the event for JetStream de-duplication.
func (e *VaultEvent) MsgID() string {
	return fmt.Sprintf("%s:%d", e.Signature, e.InstructionIndex)
}

// FromEvaluation converts an evaluation into the published event.
func FromEvaluation(eval *alert.Evaluation) *VaultEvent {
	// Decimals were validated with the vault table.
	value, _ := amount.ToFloat(amount.FromUint64(eval.Event.Quantity), eval.Asset.Decimals)
	return &VaultEvent{
		Signature:        eval.Event.Signature.String(),
		InstructionIndex: eval.Event.InstructionIndex,
		Slot:             eval.Event.Slot,
		Action:           eval.Action(),
		Signer:           eval.Event.Signer.String(),
		Vault:            eval.Event.Vault.String(),
		Symbol:           eval.Asset.Symbol,
		RawQuantity:      eval.Event.Quantity,
		Quantity:         eval.Quantity.String(),
		QuantityValue:    value,
		Price:            eval.Price,
		USD:              eval.USD.Round(2).String(),
		Alert:            eval.Alert,
		BlockTime:        eval.Event.BlockTime,
		PublishedAt:      time.Now().UTC(),
	}
}

// subjectToken makes a symbol safe to use as a single subject token.
func subjectToken(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
