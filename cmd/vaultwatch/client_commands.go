package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/brojonat/vaultwatch/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func newHTTPClient(c *cli.Context, timeout time.Duration) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, &http.Client{Timeout: timeout}, cliLogger(c)), nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the state of a running monitor",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newHTTPClient(c, c.Duration("timeout"))
			if err != nil {
				return err
			}

			status, err := cl.Status(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get status: %w", err)
			}

			return writeOutput(c, status, func(w io.Writer) {
				fmt.Fprintf(w, "Monitor %s\n", status.Address)
				fmt.Fprintf(w, "  State:          %s\n", status.State)
				fmt.Fprintf(w, "  Cursor:         %s\n", status.Cursor)
				fmt.Fprintf(w, "  Poll Interval:  %s\n", status.PollInterval)
				fmt.Fprintf(w, "  Cycles:         %d (%d failed)\n", status.Cycles, status.FailedCycles)
				fmt.Fprintf(w, "  Events:         %d\n", status.Events)
				fmt.Fprintf(w, "  Alerts:         %d\n", status.Alerts)
				if !status.LastSuccessAt.IsZero() {
					fmt.Fprintf(w, "  Last Success:   %s\n", status.LastSuccessAt.Format(time.RFC3339))
				}
				if status.LastError != "" {
					fmt.Fprintf(w, "  Last Error:     %s\n", status.LastError)
				}
			})
		},
	}
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check monitor health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			cl, err := newHTTPClient(c, c.Duration("timeout"))
			if err != nil {
				return err
			}

			health, err := cl.Health(c.Context)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			if err := writeOutput(c, health, func(w io.Writer) {
				if health.Healthy() {
					fmt.Fprintf(w, "✓ Monitor is healthy\n")
				} else {
					fmt.Fprintf(w, "✗ Monitor is unhealthy: %s\n", health.Reason)
				}
				fmt.Fprintf(w, "  URL: %s\n", c.String("server-url"))
			}); err != nil {
				return err
			}

			if !health.Healthy() {
				return fmt.Errorf("monitor is unhealthy: %s", health.Reason)
			}
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:  "await",
		Usage: "Block until a matching alert is emitted",
		Description: `Subscribes to the alert stream of a running monitor and exits when an alert
matches every filter. Filters are ANDed.

Examples:
  vaultwatch await --symbol SOL --action withdraw
  vaultwatch await --must-jq '(.usd | tonumber) > 1000000'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Match a transaction signature",
			},
			&cli.StringFlag{
				Name:  "symbol",
				Usage: "Match an asset symbol",
			},
			&cli.StringFlag{
				Name:  "action",
				Usage: "Match deposit or withdraw",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long (0 waits forever)",
				Value: 0,
			},
		},
		Action: func(c *cli.Context) error {
			matcher, err := alertMatcher(
				c.String("signature"),
				c.String("symbol"),
				c.String("action"),
				c.StringSlice("must-jq"),
			)
			if err != nil {
				return err
			}

			cl, err := newHTTPClient(c, 0)
			if err != nil {
				return err
			}

			ctx := c.Context
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if !jsonOutput(c) {
				fmt.Fprintf(os.Stderr, "⏳ Waiting for alert from %s\n", c.String("server-url"))
			}

			alert, err := cl.AwaitAlert(ctx, matcher)
			if err != nil {
				return fmt.Errorf("failed to await alert: %w", err)
			}

			return writeOutput(c, alert, func(w io.Writer) {
				fmt.Fprintf(w, "✓ %s\n", alert.Text)
			})
		},
	}
}

// alertMatcher builds the predicate for await. Empty fields match anything.
func alertMatcher(signature, symbol, action string, jqFilters []string) (func(*client.Alert) bool, error) {
	codes := make([]*gojq.Code, len(jqFilters))
	for i, filter := range jqFilters {
		code, err := compileJQ(filter)
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}

	return func(a *client.Alert) bool {
		if signature != "" && a.Signature != signature {
			return false
		}
		if symbol != "" && !strings.EqualFold(a.Symbol, symbol) {
			return false
		}
		if action != "" && !strings.EqualFold(a.Action, action) {
			return false
		}
		if len(codes) == 0 {
			return true
		}

		input, err := toJSONValue(a)
		if err != nil {
			return false
		}
		for _, code := range codes {
			v, ok := code.Run(input).Next()
			if !ok {
				return false
			}
			if _, isErr := v.(error); isErr {
				return false
			}
			if !isTruthy(v) {
				return false
			}
		}
		return true
	}, nil
}
