package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/vaultwatch/service/alert"
	natspkg "github.com/brojonat/vaultwatch/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func natsURLFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "nats-url",
		Usage:   "NATS server URL",
		EnvVars: []string{"NATS_URL"},
		Value:   "nats://localhost:4222",
	}
}

// subjectFilter returns the subject matching events of action and symbol.
// Empty values match every action or symbol.
func subjectFilter(action, symbol string) (string, error) {
	switch action = strings.ToLower(action); action {
	case "":
		action = "*"
	case "deposit", "withdraw":
	default:
		return "", fmt.Errorf("unknown action %q (want deposit or withdraw)", action)
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		symbol = "*"
	}
	return fmt.Sprintf("vault.%s.%s", action, symbol), nil
}

func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscribe",
		Usage: "Stream vault events or alerts from JetStream",
		Description: `Subscribe to evaluated Deposit and Withdraw events published to NATS JetStream.
Events are published to vault.{action}.{SYMBOL}; alerts to vault.alerts.

Examples:
  vaultwatch nats subscribe --action withdraw --symbol SOL
  vaultwatch nats subscribe --alerts --json`,
		Flags: []cli.Flag{
			natsURLFlag(),
			&cli.StringFlag{
				Name:  "action",
				Usage: "Only deposit or withdraw events",
			},
			&cli.StringFlag{
				Name:  "symbol",
				Usage: "Only events of this asset",
			},
			&cli.BoolFlag{
				Name:  "alerts",
				Usage: "Stream rendered alerts instead of events",
			},
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "vaultwatch-cli",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.AlertSubject
			if !c.Bool("alerts") {
				var err error
				subject, err = subjectFilter(c.String("action"), c.String("symbol"))
				if err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return streamSubject(ctx, c, subject)
		},
	}
}

func streamSubject(ctx context.Context, c *cli.Context, subject string) error {
	natsURL := c.String("nats-url")
	quiet := jsonOutput(c)

	nc, err := nats.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if c.Bool("durable") {
		consumerConfig.Durable = c.String("consumer-name")
		consumerConfig.Name = c.String("consumer-name")
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	if !quiet {
		fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
		fmt.Fprintf(os.Stderr, "   NATS: %s\n\n", natsURL)
	}

	msgs := make(chan jetstream.Msg, 10)
	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		msgs <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer consumeCtx.Stop()

	count := 0
	for {
		select {
		case msg := <-msgs:
			count++
			if err := printMessage(c, msg); err != nil && !quiet {
				fmt.Fprintf(os.Stderr, "Error parsing message: %v\n", err)
			}
			_ = msg.Ack()

		case <-ctx.Done():
			if !quiet {
				fmt.Fprintf(os.Stderr, "\n✅ Received %d messages\n", count)
			}
			return nil
		}
	}
}

func printMessage(c *cli.Context, msg jetstream.Msg) error {
	if msg.Subject() == natspkg.AlertSubject {
		var m alert.Message
		if err := json.Unmarshal(msg.Data(), &m); err != nil {
			return err
		}
		return writeOutput(c, m, func(w io.Writer) {
			fmt.Fprintf(w, "🚨 %s\n", m.Text)
		})
	}

	var event natspkg.VaultEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		return err
	}
	return writeOutput(c, event, func(w io.Writer) {
		marker := " "
		if event.Alert {
			marker = "!"
		}
		fmt.Fprintf(w, "%s %-8s %s %s $%s  %s  slot %d  %s\n",
			marker,
			event.Action,
			event.Quantity,
			event.Symbol,
			event.USD,
			event.Signer,
			event.Slot,
			event.BlockTime.Format(time.RFC3339),
		)
	})
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the VAULT_EVENTS JetStream stream",
		Flags: []cli.Flag{
			natsURLFlag(),
		},
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			return writeOutput(c, info, func(w io.Writer) {
				fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
				fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
				fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
				fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
				fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
				fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
				fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
				fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
				fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
				fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
				fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			})
		},
	}
}
