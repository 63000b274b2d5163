// Package alert decides which vault transfers are large enough to report and
// delivers the resulting messages.
package alert

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/vaultwatch/service/amount"
	"github.com/brojonat/vaultwatch/service/price"
	"github.com/brojonat/vaultwatch/service/solana"
	"github.com/brojonat/vaultwatch/service/vault"
	"github.com/shopspring/decimal"
)

// ErrMissingPrice is returned when the snapshot has no price for the event's asset.
var ErrMissingPrice = errors.New("missing price")

// Evaluation is the priced view of one Deposit or Withdraw event.
type Evaluation struct {
	Event    solana.Event
	Asset    vault.Asset
	Quantity decimal.Decimal
	Price    float64
	USD      decimal.Decimal
	Alert    bool

	// Message is set when Alert is true.
	Message *Message
}

// Action is the lower-case event kind, "deposit" or "withdraw".
func (e *Evaluation) Action() string {
	return e.Event.Kind.String()
}

// Evaluator prices events and compares them with the USD threshold.
type Evaluator struct {
	table     *vault.Table
	threshold decimal.Decimal
}

func NewEvaluator(table *vault.Table, threshold decimal.Decimal) (*Evaluator, error) {
	if table == nil {
		return nil, errors.New("vault table is required")
	}
	if threshold.IsNegative() {
		return nil, fmt.Errorf("threshold must be non-negative, got %s", threshold)
	}
	return &Evaluator{table: table, threshold: threshold}, nil
}

// Threshold returns the configured USD threshold.
func (e *Evaluator) Threshold() decimal.Decimal {
	return e.threshold
}

// Evaluate resolves the vault of ev, converts its quantity and prices it with
// snap. The comparison with the threshold is exact: a transfer worth exactly the
// threshold alerts.
func (e *Evaluator) Evaluate(ev solana.Event, snap price.Snapshot) (*Evaluation, error) {
	if !ev.Kind.IsTransfer() {
		return nil, fmt.Errorf("cannot evaluate %s event", ev.Kind)
	}

	asset, err := e.table.Resolve(ev.Vault)
	if err != nil {
		return nil, err
	}

	quantity, err := amount.ToDecimal(new(big.Int).SetUint64(ev.Quantity), asset.Decimals)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s quantity: %w", asset.Symbol, err)
	}

	p, ok := snap.Price(asset.Index)
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrMissingPrice, asset.Symbol)
	}

	usd := quantity.Mul(decimal.NewFromFloat(p))
	eval := &Evaluation{
		Event:    ev,
		Asset:    asset,
		Quantity: quantity,
		Price:    p,
		USD:      usd,
		Alert:    usd.GreaterThanOrEqual(e.threshold),
	}
	if eval.Alert {
		msg := NewMessage(eval)
		eval.Message = &msg
	}
	return eval, nil
}

// Message is one alert.
type Message struct {
	Signer    string    `json:"signer"`
	Action    string    `json:"action"`
	Quantity  string    `json:"quantity"`
	Symbol    string    `json:"symbol"`
	USD       string    `json:"usd"`
	Signature string    `json:"signature"`
	Index     int       `json:"instruction_index"`
	Slot      uint64    `json:"slot"`
	BlockTime time.Time `json:"block_time"`
	Text      string    `json:"text"`
}

// NewMessage renders the alert for an evaluation as
// "<signer> <action> <quantity> <symbol> $<usd> <signature>".
func NewMessage(e *Evaluation) Message {
	m := Message{
		Signer:    e.Event.Signer.String(),
		Action:    e.Action(),
		Quantity:  e.Quantity.String(),
		Symbol:    e.Asset.Symbol,
		USD:       e.USD.Round(2).String(),
		Signature: e.Event.Signature.String(),
		Index:     e.Event.InstructionIndex,
		Slot:      e.Event.Slot,
		BlockTime: e.Event.BlockTime,
	}
	m.Text = fmt.Sprintf("%s %s %s %s $%s %s", m.Signer, m.Action, m.Quantity, m.Symbol, m.USD, m.Signature)
	return m
}

func (m Message) String() string {
	return m.Text
}
