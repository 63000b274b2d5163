// Package vault maps vault accounts of the monitored group to the assets they custody.
package vault

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// MaxDecimals bounds the decimals accepted for an asset.
const MaxDecimals = 18

// ErrUnresolvedVault is returned when an address is not one of the configured vaults.
// It usually means the group gained an asset the table has not been updated for.
var ErrUnresolvedVault = errors.New("unresolved vault")

// Asset is one entry of the vault table. Index is its position in the table and is the
// key used by price snapshots.
type Asset struct {
	Index      int
	Symbol     string
	Vault      solana.PublicKey
	Decimals   int
	FixedPrice *float64
}

// Table is the ordered, immutable vault table.
type Table struct {
	assets  []Asset
	byVault map[solana.PublicKey]int
}

// AssetConfig is the file representation of an asset.
type AssetConfig struct {
	Symbol     string   `yaml:"symbol"`
	Vault      string   `yaml:"vault"`
	Decimals   int      `yaml:"decimals"`
	FixedPrice *float64 `yaml:"fixed_price,omitempty"`
}

type fileConfig struct {
	Assets []AssetConfig `yaml:"assets"`
}

// NewTable validates the configured assets and builds the table. Every problem found is
// reported, not just the first.
func NewTable(configs []AssetConfig) (*Table, error) {
	if len(configs) == 0 {
		return nil, errors.New("vault table is empty")
	}

	var errs []error
	t := &Table{
		assets:  make([]Asset, 0, len(configs)),
		byVault: make(map[solana.PublicKey]int, len(configs)),
	}
	symbols := make(map[string]struct{}, len(configs))

	for i, c := range configs {
		symbol := strings.TrimSpace(c.Symbol)
		if symbol == "" {
			errs = append(errs, fmt.Errorf("asset %d: symbol is required", i))
		} else if _, dup := symbols[symbol]; dup {
			errs = append(errs, fmt.Errorf("asset %d: duplicate symbol %q", i, symbol))
		}
		symbols[symbol] = struct{}{}

		if c.Decimals < 0 || c.Decimals > MaxDecimals {
			errs = append(errs, fmt.Errorf("asset %d (%s): decimals %d out of range [0, %d]", i, symbol, c.Decimals, MaxDecimals))
		}
		if c.FixedPrice != nil && *c.FixedPrice < 0 {
			errs = append(errs, fmt.Errorf("asset %d (%s): fixed_price must be non-negative", i, symbol))
		}

		key, err := solana.PublicKeyFromBase58(strings.TrimSpace(c.Vault))
		if err != nil {
			errs = append(errs, fmt.Errorf("asset %d (%s): invalid vault address %q: %w", i, symbol, c.Vault, err))
			continue
		}
		if _, dup := t.byVault[key]; dup {
			errs = append(errs, fmt.Errorf("asset %d (%s): duplicate vault %s", i, symbol, key))
			continue
		}

		t.byVault[key] = i
		t.assets = append(t.assets, Asset{
			Index:      i,
			Symbol:     symbol,
			Vault:      key,
			Decimals:   c.Decimals,
			FixedPrice: c.FixedPrice,
		})
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid vault table: %v", errs)
	}
	return t, nil
}

// Parse builds a table from YAML.
//
//	assets:
//	  - symbol: BTC
//	    vault: <base58>
//	    decimals: 6
func Parse(data []byte) (*Table, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse vault table: %w", err)
	}
	return NewTable(fc.Assets)
}

// LoadFile reads and parses a YAML vault table.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vault table %s: %w", path, err)
	}
	return Parse(data)
}

// Resolve returns the asset custodied by vault.
func (t *Table) Resolve(vault solana.PublicKey) (Asset, error) {
	i, ok := t.byVault[vault]
	if !ok {
		return Asset{}, fmt.Errorf("%w: %s", ErrUnresolvedVault, vault)
	}
	return t.assets[i], nil
}

// Contains reports whether vault is configured.
func (t *Table) Contains(vault solana.PublicKey) bool {
	_, ok := t.byVault[vault]
	return ok
}

// BySymbol looks an asset up by symbol.
func (t *Table) BySymbol(symbol string) (Asset, bool) {
	for _, a := range t.assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return Asset{}, false
}

// Assets returns a copy of the table in index order.
func (t *Table) Assets() []Asset {
	out := make([]Asset, len(t.assets))
	copy(out, t.assets)
	return out
}

// Len returns the number of assets.
func (t *Table) Len() int {
	return len(t.assets)
}
