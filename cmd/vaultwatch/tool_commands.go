package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/brojonat/vaultwatch/service/alert"
	"github.com/brojonat/vaultwatch/service/amount"
	natspkg "github.com/brojonat/vaultwatch/service/nats"
	"github.com/brojonat/vaultwatch/service/pacer"
	"github.com/brojonat/vaultwatch/service/price"
	"github.com/brojonat/vaultwatch/service/solana"
	"github.com/brojonat/vaultwatch/service/vault"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// decodedInstruction is the printable form of a classified instruction.
type decodedInstruction struct {
	Signature    string `json:"signature,omitempty"`
	Slot         uint64 `json:"slot,omitempty"`
	Index        int    `json:"instruction_index"`
	Kind         string `json:"kind"`
	Discriminant uint32 `json:"discriminant"`
	Signer       string `json:"signer,omitempty"`
	Vault        string `json:"vault,omitempty"`
	Quantity     uint64 `json:"quantity,omitempty"`
	Error        string `json:"error,omitempty"`
}

func fromEvent(ev solana.Event) decodedInstruction {
	d := decodedInstruction{
		Index:        ev.InstructionIndex,
		Kind:         ev.Kind.String(),
		Discriminant: ev.Discriminant,
	}
	if !ev.Signature.IsZero() {
		d.Signature = ev.Signature.String()
		d.Slot = ev.Slot
	}
	if ev.Kind.IsTransfer() {
		d.Signer = ev.Signer.String()
		d.Vault = ev.Vault.String()
		d.Quantity = ev.Quantity
	}
	if ev.Err != nil {
		d.Error = ev.Err.Error()
	}
	return d
}

func layoutFlags() []cli.Flag {
	layout := solana.DefaultLayout()
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "program",
			Usage:   "Monitored program ID",
			EnvVars: []string{"PROGRAM_ID"},
		},
		&cli.StringFlag{
			Name:    "group",
			Usage:   "Group account the instruction must reference (optional)",
			EnvVars: []string{"GROUP_ADDRESS"},
		},
		&cli.IntFlag{
			Name:    "group-offset",
			Usage:   "Account index of the group (-1 disables the check)",
			EnvVars: []string{"GROUP_OFFSET"},
			Value:   layout.GroupOffset,
		},
		&cli.IntFlag{
			Name:    "signer-offset",
			Usage:   "Account index of the signer",
			EnvVars: []string{"SIGNER_OFFSET"},
			Value:   layout.SignerOffset,
		},
		&cli.IntFlag{
			Name:    "vault-offset",
			Usage:   "Account index of the vault",
			EnvVars: []string{"VAULT_OFFSET"},
			Value:   layout.VaultOffset,
		},
	}
}

func classifierFromFlags(c *cli.Context) (*solana.Classifier, error) {
	programID, err := solanago.PublicKeyFromBase58(c.String("program"))
	if err != nil {
		return nil, fmt.Errorf("invalid --program %q: %w", c.String("program"), err)
	}
	var group solanago.PublicKey
	if g := c.String("group"); g != "" {
		group, err = solanago.PublicKeyFromBase58(g)
		if err != nil {
			return nil, fmt.Errorf("invalid --group %q: %w", g, err)
		}
	}
	return solana.NewClassifier(programID, group, solana.Layout{
		GroupOffset:  c.Int("group-offset"),
		SignerOffset: c.Int("signer-offset"),
		VaultOffset:  c.Int("vault-offset"),
	})
}

func decodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "decode",
		Usage: "Classify an instruction or every instruction of a transaction",
		Description: `Decodes raw instruction data offline, or fetches a transaction and classifies
each of its instructions of the monitored program.

Examples:
  vaultwatch decode --program <ID> --data <base58> --accounts <a0>,<a1>,...
  vaultwatch decode --program <ID> --hex 020000001027000000000000 --accounts ...
  vaultwatch decode --program <ID> --rpc-url https://... --signature <SIG>`,
		Flags: append(layoutFlags(),
			&cli.StringFlag{
				Name:  "data",
				Usage: "Instruction data (base58)",
			},
			&cli.StringFlag{
				Name:  "hex",
				Usage: "Instruction data (hex)",
			},
			&cli.StringFlag{
				Name:  "accounts",
				Usage: "Comma-separated instruction accounts, in order",
			},
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Fetch and decode this transaction instead",
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana RPC URL used with --signature",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
		),
		Action: func(c *cli.Context) error {
			classifier, err := classifierFromFlags(c)
			if err != nil {
				return err
			}

			var decoded []decodedInstruction
			if sig := c.String("signature"); sig != "" {
				decoded, err = decodeTransaction(c, classifier, sig)
			} else {
				decoded, err = decodeInstruction(c, classifier)
			}
			if err != nil {
				return err
			}

			return writeOutput(c, decoded, func(w io.Writer) {
				if len(decoded) == 0 {
					fmt.Fprintln(w, "No instructions of the monitored program")
					return
				}
				for _, d := range decoded {
					fmt.Fprintf(w, "#%d %s (discriminant %d)\n", d.Index, d.Kind, d.Discriminant)
					if d.Signer != "" {
						fmt.Fprintf(w, "  Signer:    %s\n", d.Signer)
						fmt.Fprintf(w, "  Vault:     %s\n", d.Vault)
						fmt.Fprintf(w, "  Quantity:  %d\n", d.Quantity)
					}
					if d.Error != "" {
						fmt.Fprintf(w, "  Error:     %s\n", d.Error)
					}
				}
			})
		},
	}
}

func decodeInstruction(c *cli.Context, classifier *solana.Classifier) ([]decodedInstruction, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case c.String("data") != "":
		data, err = base58.Decode(c.String("data"))
	case c.String("hex") != "":
		data, err = hex.DecodeString(strings.TrimPrefix(c.String("hex"), "0x"))
	default:
		return nil, fmt.Errorf("one of --data, --hex or --signature is required")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode instruction data: %w", err)
	}

	var accounts []solanago.PublicKey
	for _, a := range strings.Split(c.String("accounts"), ",") {
		if a = strings.TrimSpace(a); a == "" {
			continue
		}
		key, err := solanago.PublicKeyFromBase58(a)
		if err != nil {
			return nil, fmt.Errorf("invalid account %q: %w", a, err)
		}
		accounts = append(accounts, key)
	}

	ev := classifier.Classify(solana.Instruction{
		ProgramID: classifier.ProgramID(),
		Accounts:  accounts,
		Data:      data,
	})
	return []decodedInstruction{fromEvent(ev)}, nil
}

func decodeTransaction(c *cli.Context, classifier *solana.Classifier, sig string) ([]decodedInstruction, error) {
	signature, err := solanago.SignatureFromBase58(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", sig, err)
	}
	rpcURL := c.String("rpc-url")
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc-url is required with --signature (set SOLANA_RPC_URL or use --rpc-url)")
	}
	endpoints := strings.Split(rpcURL, ",")
	rpcURL, err = solana.SelectRandomEndpoint(endpoints)
	if err != nil {
		return nil, err
	}
	rpcURL = strings.TrimSpace(rpcURL)

	sc := solana.NewClient(solana.NewRPCClient(rpcURL), classifier, pacer.New(0), solana.EndpointLabel(rpcURL), nil, cliLogger(c))
	record, events, err := sc.DecodeTransaction(c.Context, signature)
	if err != nil {
		return nil, err
	}
	if record.Failed {
		return nil, fmt.Errorf("transaction %s failed on-chain", signature)
	}

	decoded := make([]decodedInstruction, 0, len(events))
	for _, ev := range events {
		decoded = append(decoded, fromEvent(ev))
	}
	return decoded, nil
}

func convertCommand() *cli.Command {
	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert a raw on-chain quantity to natural units",
		ArgsUsage: "RAW_QUANTITY",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "decimals",
				Usage: "Decimals of the asset",
				Value: -1,
			},
			&cli.StringFlag{
				Name:  "symbol",
				Usage: "Look the decimals up in the vault table",
			},
			&cli.StringFlag{
				Name:    "vault-table",
				Usage:   "Vault table YAML used with --symbol",
				EnvVars: []string{"VAULT_TABLE_PATH"},
			},
			&cli.Float64Flag{
				Name:  "price",
				Usage: "Also show the USD value at this price",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("raw quantity is required")
			}
			raw, ok := new(big.Int).SetString(c.Args().Get(0), 10)
			if !ok {
				return fmt.Errorf("invalid raw quantity %q", c.Args().Get(0))
			}

			decimals := c.Int("decimals")
			if symbol := c.String("symbol"); symbol != "" {
				table, err := vault.LoadFile(c.String("vault-table"))
				if err != nil {
					return err
				}
				asset, ok := table.BySymbol(symbol)
				if !ok {
					return fmt.Errorf("symbol %q is not in the vault table", symbol)
				}
				decimals = asset.Decimals
			}
			if decimals < 0 {
				return fmt.Errorf("--decimals or --symbol is required")
			}

			quantity, err := amount.ToDecimal(raw, decimals)
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"raw":      raw.String(),
				"decimals": decimals,
				"quantity": quantity.String(),
			}
			var usd string
			if c.IsSet("price") {
				usd = quantity.Mul(decimal.NewFromFloat(c.Float64("price"))).Round(2).String()
				out["usd"] = usd
			}

			return writeOutput(c, out, func(w io.Writer) {
				fmt.Fprintln(w, quantity.String())
				if usd != "" {
					fmt.Fprintf(w, "$%s\n", usd)
				}
			})
		},
	}
}

func pricesCommand() *cli.Command {
	return &cli.Command{
		Name:  "prices",
		Usage: "Fetch one price snapshot for every asset in the vault table",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "vault-table",
				Usage:   "Vault table YAML",
				EnvVars: []string{"VAULT_TABLE_PATH"},
			},
			&cli.StringFlag{
				Name:    "feed-url",
				Usage:   "Price feed URL (only fixed prices without it)",
				EnvVars: []string{"PRICE_FEED_URL"},
			},
			&cli.StringFlag{
				Name:    "feed-jq",
				Usage:   "jq filter mapping the feed to {SYMBOL: price}",
				EnvVars: []string{"PRICE_FEED_JQ"},
				Value:   ".",
			},
		},
		Action: func(c *cli.Context) error {
			table, err := vault.LoadFile(c.String("vault-table"))
			if err != nil {
				return err
			}

			var source price.Source = price.NewFixedSource(table)
			if feedURL := c.String("feed-url"); feedURL != "" {
				source, err = price.NewHTTPSource(feedURL, c.String("feed-jq"), table, nil, nil, cliLogger(c))
				if err != nil {
					return err
				}
			}

			snap, err := source.GetPrices(c.Context)
			if err != nil {
				return fmt.Errorf("failed to fetch prices: %w", err)
			}

			out := make(map[string]interface{}, table.Len())
			for _, a := range table.Assets() {
				if p, ok := snap[a.Index]; ok {
					out[a.Symbol] = p
				} else {
					out[a.Symbol] = nil
				}
			}

			return writeOutput(c, out, func(w io.Writer) {
				fmt.Fprintf(w, "Prices from %s source\n", source.Name())
				for _, a := range table.Assets() {
					if p, ok := snap[a.Index]; ok {
						fmt.Fprintf(w, "  %-8s %g\n", a.Symbol, p)
					} else {
						fmt.Fprintf(w, "  %-8s (missing)\n", a.Symbol)
					}
				}
			})
		},
	}
}

func notifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "notify",
		Usage: "Send a test alert through the configured sinks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "webhook-url",
				Usage:   "Webhook URL",
				EnvVars: []string{"WEBHOOK_URL"},
			},
			&cli.StringFlag{
				Name:    "webhook-body-jq",
				Usage:   "jq filter shaping the webhook body",
				EnvVars: []string{"WEBHOOK_BODY_JQ"},
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL (publishes to the alert subject)",
				EnvVars: []string{"NATS_URL"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Delivery timeout",
				Value: 10 * time.Second,
			},
			&cli.StringFlag{
				Name:  "text",
				Usage: "Alert text",
				Value: "vaultwatch test alert",
			},
		},
		Action: func(c *cli.Context) error {
			logger := cliLogger(c)

			var sinks []alert.Notifier
			if u := c.String("webhook-url"); u != "" {
				webhook, err := alert.NewWebhookNotifier(u, c.String("webhook-body-jq"), c.Duration("timeout"), nil, logger)
				if err != nil {
					return err
				}
				sinks = append(sinks, webhook)
			}
			if u := c.String("nats-url"); u != "" {
				publisher, err := natspkg.NewPublisher(u, nil, logger)
				if err != nil {
					return fmt.Errorf("failed to connect to NATS: %w", err)
				}
				defer publisher.Close()
				sinks = append(sinks, natspkg.NewAlertNotifier(publisher))
			}
			if len(sinks) == 0 {
				return fmt.Errorf("no alert sink configured (set --webhook-url or --nats-url)")
			}

			msg := testMessage(c.String("text"))
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if err := alert.NewMultiNotifier(nil, logger, sinks...).Notify(ctx, msg); err != nil {
				return fmt.Errorf("alert delivery failed: %w", err)
			}

			names := make([]string, len(sinks))
			for i, s := range sinks {
				names[i] = s.Name()
			}
			return writeOutput(c, map[string]interface{}{"delivered": names, "alert": msg}, func(w io.Writer) {
				fmt.Fprintf(w, "✓ Test alert delivered to %s\n", strings.Join(names, ", "))
			})
		},
	}
}

func testMessage(text string) alert.Message {
	return alert.Message{
		Action:    "test",
		Signature: fmt.Sprintf("test-%d", time.Now().UnixNano()),
		BlockTime: time.Now().UTC(),
		Text:      text,
	}
}
