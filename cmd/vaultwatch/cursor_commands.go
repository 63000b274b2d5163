package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/vaultwatch/service/app"
	"github.com/brojonat/vaultwatch/service/config"
	"github.com/brojonat/vaultwatch/service/cursor"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func cursorCommands() *cli.Command {
	return &cli.Command{
		Name:  "cursor",
		Usage: "Inspect and move the persisted monitor cursor",
		Description: `The monitor resumes from the persisted cursor on restart. Stop the monitor
before moving the cursor; a running monitor overwrites it on its next cycle.`,
		Subcommands: []*cli.Command{
			cursorShowCommand(),
			cursorSetCommand(),
			cursorResetCommand(),
		},
	}
}

func cursorStoreFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Usage:   "Cursor store backend (badger or postgres)",
			EnvVars: []string{"CURSOR_STORE"},
			Value:   config.CursorStoreBadger,
		},
		&cli.StringFlag{
			Name:    "path",
			Usage:   "Badger directory",
			EnvVars: []string{"CURSOR_PATH"},
			Value:   "./data/cursor",
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Postgres connection URL",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "address",
			Usage:   "Monitored account",
			EnvVars: []string{"GROUP_ADDRESS"},
		},
	}
}

// withCursorStore opens the store selected by the flags and calls fn with it.
func withCursorStore(c *cli.Context, fn func(ctx context.Context, store cursor.Store, address solanago.PublicKey) error) error {
	address, err := solanago.PublicKeyFromBase58(c.String("address"))
	if err != nil {
		return fmt.Errorf("invalid --address %q: %w", c.String("address"), err)
	}

	backend := c.String("store")
	if backend == config.CursorStoreMemory {
		return fmt.Errorf("the memory store is not persisted; use badger or postgres")
	}
	cfg := &config.Config{
		CursorStore: backend,
		CursorPath:  c.String("path"),
		DatabaseURL: c.String("database-url"),
	}

	store, closeFn, err := app.OpenStore(c.Context, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to open %s cursor store: %w", backend, err)
	}
	defer closeFn()

	return fn(c.Context, store, address)
}

type cursorOutput struct {
	Address   string    `json:"address"`
	Signature string    `json:"signature,omitempty"`
	Slot      uint64    `json:"slot,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Found     bool      `json:"found"`
}

func cursorShowCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show the persisted cursor",
		Flags: cursorStoreFlags(),
		Action: func(c *cli.Context) error {
			return withCursorStore(c, func(ctx context.Context, store cursor.Store, address solanago.PublicKey) error {
				out := cursorOutput{Address: address.String()}

				cur, err := store.Load(ctx, address)
				switch {
				case errors.Is(err, cursor.ErrNotFound):
				case err != nil:
					return fmt.Errorf("failed to load cursor: %w", err)
				default:
					out.Found = true
					out.Signature = cur.Signature.String()
					out.Slot = cur.Slot
					out.UpdatedAt = cur.UpdatedAt
				}

				return writeOutput(c, out, func(w io.Writer) {
					if !out.Found {
						fmt.Fprintf(w, "No cursor persisted for %s\n", out.Address)
						return
					}
					fmt.Fprintf(w, "Cursor for %s\n", out.Address)
					fmt.Fprintf(w, "  Signature:  %s\n", out.Signature)
					fmt.Fprintf(w, "  Slot:       %d\n", out.Slot)
					if !out.UpdatedAt.IsZero() {
						fmt.Fprintf(w, "  Updated:    %s\n", out.UpdatedAt.Format(time.RFC3339))
					}
				})
			})
		},
	}
}

func cursorSetCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Persist a cursor so the monitor resumes after SIGNATURE",
		ArgsUsage: "SIGNATURE",
		Flags: append(cursorStoreFlags(),
			&cli.Uint64Flag{
				Name:     "slot",
				Usage:    "Slot of SIGNATURE",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Allow moving the cursor backwards (events after it are re-alerted)",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("signature is required")
			}
			sig, err := solanago.SignatureFromBase58(c.Args().Get(0))
			if err != nil {
				return fmt.Errorf("invalid signature %q: %w", c.Args().Get(0), err)
			}
			next := cursor.Cursor{Signature: sig, Slot: c.Uint64("slot"), UpdatedAt: time.Now().UTC()}

			return withCursorStore(c, func(ctx context.Context, store cursor.Store, address solanago.PublicKey) error {
				prev, err := store.Load(ctx, address)
				if err != nil && !errors.Is(err, cursor.ErrNotFound) {
					return fmt.Errorf("failed to load cursor: %w", err)
				}
				if err == nil && next.Before(prev) && !c.Bool("force") {
					return fmt.Errorf("cursor at slot %d is older than the persisted slot %d (use --force)", next.Slot, prev.Slot)
				}

				if err := store.Save(ctx, address, next); err != nil {
					return fmt.Errorf("failed to save cursor: %w", err)
				}

				return writeOutput(c, cursorOutput{
					Address:   address.String(),
					Signature: next.Signature.String(),
					Slot:      next.Slot,
					UpdatedAt: next.UpdatedAt,
					Found:     true,
				}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Cursor set to %s\n", next.String())
				})
			})
		},
	}
}

func cursorResetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "Delete the persisted cursor so the monitor starts from the newest signature",
		Flags: cursorStoreFlags(),
		Action: func(c *cli.Context) error {
			return withCursorStore(c, func(ctx context.Context, store cursor.Store, address solanago.PublicKey) error {
				if err := store.Delete(ctx, address); err != nil {
					return fmt.Errorf("failed to delete cursor: %w", err)
				}
				return writeOutput(c, map[string]string{"address": address.String(), "status": "reset"}, func(w io.Writer) {
					fmt.Fprintf(w, "✓ Cursor reset for %s\n", address.String())
				})
			})
		},
	}
}
