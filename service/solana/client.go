package solana

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/brojonat/vaultwatch/service/cursor"
	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/brojonat/vaultwatch/service/pacer"
	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrNoCursor is returned by FetchSince when called without a starting cursor.
// Listing from an empty cursor would walk the whole history of the account.
var ErrNoCursor = errors.New("fetch requires a cursor")

const (
	// DefaultPageLimit is the largest page GetSignaturesForAddress returns.
	DefaultPageLimit = 1000

	// maxSignaturePages bounds the backwards pagination of one fetch.
	maxSignaturePages = 20

	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second

	// rateLimitMultiplier stretches the next retry delay after a 429.
	rateLimitMultiplier = 2
)

// RPCClient is the subset of the Solana RPC the monitor needs.
// Tests replace it with a mock.
type RPCClient interface {
	GetSignaturesForAddress(
		ctx context.Context,
		address solana.PublicKey,
		opts *rpc.GetSignaturesForAddressOpts,
	) ([]*rpc.TransactionSignature, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)
}

// Client fetches and classifies the transactions of the monitored account.
type Client struct {
	rpc        RPCClient
	classifier *Classifier
	pacer      *pacer.Pacer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	endpoint   string // RPC endpoint label for metrics

	maxRetries   uint64
	retryBackoff time.Duration
}

// NewClient creates a new Solana client. Every RPC call waits on p first.
// If m is nil no metrics are recorded.
func NewClient(rpcClient RPCClient, classifier *Classifier, p *pacer.Pacer, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:          rpcClient,
		classifier:   classifier,
		pacer:        p,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		maxRetries:   defaultMaxRetries,
		retryBackoff: defaultRetryBackoff,
	}
}

// SetRetryPolicy overrides the number of retries and the initial retry delay
// used for GetTransaction.
func (c *Client) SetRetryPolicy(maxRetries uint64, initial time.Duration) {
	c.maxRetries = maxRetries
	c.retryBackoff = initial
}

// FetchParams contains parameters for FetchSince.
type FetchParams struct {
	Address   solana.PublicKey
	Cursor    cursor.Cursor
	PageLimit int
}

// FetchResult is one processed signature batch.
type FetchResult struct {
	Signatures    int
	Transactions  int
	Missing       int
	FailedOnChain int
	FetchErrors   int
	Instructions  int
	Unrecognized  int
	Malformed     int

	// Truncated is set when the deadline stopped the batch early. The
	// returned cursor is then the last signature that was fully processed.
	Truncated bool
	// Remaining counts the listed signatures left for the next fetch.
	Remaining int
	// PageCapped is set when the listing stopped at the page cap; older
	// signatures of that burst were never listed.
	PageCapped bool

	// Events holds Deposit and Withdraw events in chain order.
	Events []Event
}

// FetchSince lists every signature of params.Address newer than params.Cursor,
// fetches the transactions oldest first and classifies their instructions.
//
// The returned cursor is the newest signature of the batch. Transactions the
// node does not have, transactions that failed on chain and transactions
// still failing after retries are counted and skipped. Failed transactions
// are never classified.
//
// Listing failures and cancellation of ctx return params.Cursor with the
// error. When the deadline of ctx is about to pass, the batch stops early and
// the cursor is the last fully processed signature, so the next fetch
// resumes there.
func (c *Client) FetchSince(ctx context.Context, params FetchParams) (*FetchResult, cursor.Cursor, error) {
	if params.Cursor.IsZero() {
		return nil, params.Cursor, ErrNoCursor
	}
	limit := params.PageLimit
	if limit <= 0 || limit > DefaultPageLimit {
		limit = DefaultPageLimit
	}

	signatures, capped, err := c.listSignatures(ctx, params.Address, params.Cursor.Signature, limit)
	if err != nil {
		return nil, params.Cursor, err
	}

	result := &FetchResult{Signatures: len(signatures), PageCapped: capped}
	if len(signatures) == 0 {
		return result, params.Cursor, nil
	}

	// The RPC lists newest first. Process oldest first.
	slices.Reverse(signatures)
	slices.SortStableFunc(signatures, func(a, b *rpc.TransactionSignature) int {
		return cmp.Compare(a.Slot, b.Slot)
	})

	next := params.Cursor
	for i, sig := range signatures {
		if err := ctx.Err(); err != nil {
			return c.stopBatch(ctx, params, result, next, len(signatures)-i, err)
		}

		if sig.Err != nil {
			result.FailedOnChain++
			c.logger.DebugContext(ctx, "skipping transaction that failed on chain",
				"signature", sig.Signature.String(),
				"slot", sig.Slot,
			)
			next = cursorAt(sig)
			continue
		}

		record, err := c.GetTransactionRecord(ctx, sig.Signature)
		switch {
		case err == nil:
		case errors.Is(err, rpc.ErrNotFound):
			result.Missing++
			c.logger.WarnContext(ctx, "transaction not available, skipping",
				"signature", sig.Signature.String(),
				"slot", sig.Slot,
			)
			next = cursorAt(sig)
			continue
		case ctx.Err() != nil || errors.Is(err, pacer.ErrDeadline):
			return c.stopBatch(ctx, params, result, next, len(signatures)-i, err)
		default:
			result.FetchErrors++
			c.logger.WarnContext(ctx, "failed to fetch transaction after retries, skipping",
				"signature", sig.Signature.String(),
				"slot", sig.Slot,
				"error", err,
			)
			next = cursorAt(sig)
			continue
		}

		next = cursorAt(sig)
		if record.Failed {
			result.FailedOnChain++
			continue
		}
		result.Transactions++
		c.classifyRecord(ctx, record, result)
	}

	c.recordSkipped(result)

	c.logger.InfoContext(ctx, "processed signature batch",
		"address", params.Address.String(),
		"signatures", result.Signatures,
		"events", len(result.Events),
		"missing", result.Missing,
		"failed_on_chain", result.FailedOnChain,
		"fetch_errors", result.FetchErrors,
		"cursor", next.String(),
	)

	return result, next, nil
}

// stopBatch ends a batch interrupted by ctx. A cancelled context, or a
// deadline hit before anything was processed, keeps params.Cursor. A deadline
// hit later truncates the batch at processed.
func (c *Client) stopBatch(ctx context.Context, params FetchParams, result *FetchResult, processed cursor.Cursor, remaining int, err error) (*FetchResult, cursor.Cursor, error) {
	deadline := errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, pacer.ErrDeadline)
	if !deadline || processed.Signature == params.Cursor.Signature {
		c.logger.WarnContext(ctx, "signature batch interrupted, cursor kept",
			"address", params.Address.String(),
			"cursor", params.Cursor.String(),
			"error", err,
		)
		return nil, params.Cursor, err
	}

	result.Truncated = true
	result.Remaining = remaining
	c.recordSkipped(result)
	c.metrics.RecordBatchTruncated(c.endpoint, remaining)

	c.logger.WarnContext(ctx, "deadline reached, signature batch truncated",
		"address", params.Address.String(),
		"events", len(result.Events),
		"remaining", remaining,
		"cursor", processed.String(),
		"error", err,
	)
	return result, processed, nil
}

func (c *Client) recordSkipped(result *FetchResult) {
	c.metrics.RecordTransactionsSkipped("missing", result.Missing)
	c.metrics.RecordTransactionsSkipped("failed_on_chain", result.FailedOnChain)
	c.metrics.RecordTransactionsSkipped("fetch_error", result.FetchErrors)
}

func cursorAt(sig *rpc.TransactionSignature) cursor.Cursor {
	return cursor.Cursor{
		Signature: sig.Signature,
		Slot:      sig.Slot,
		UpdatedAt: time.Now().UTC(),
	}
}

func (c *Client) classifyRecord(ctx context.Context, record *TransactionRecord, result *FetchResult) {
	for _, ev := range c.classifyAll(record) {
		result.Instructions++
		c.metrics.RecordInstruction(ev.Kind.String())

		switch ev.Kind {
		case KindDeposit, KindWithdraw:
			result.Events = append(result.Events, ev)
		case KindUnrecognized:
			result.Unrecognized++
			c.logger.DebugContext(ctx, "unrecognized instruction",
				"signature", record.Signature.String(),
				"index", ev.InstructionIndex,
				"discriminant", ev.Discriminant,
			)
		case KindMalformed:
			result.Malformed++
			c.logger.WarnContext(ctx, "malformed instruction",
				"signature", record.Signature.String(),
				"index", ev.InstructionIndex,
				"discriminant", ev.Discriminant,
				"error", ev.Err,
			)
		}
	}
}

// classifyAll classifies every instruction of record and returns those of the
// monitored program, whatever their kind, in instruction order.
func (c *Client) classifyAll(record *TransactionRecord) []Event {
	var events []Event
	for i, ins := range record.Instructions {
		ev := c.classifier.Classify(ins)
		if ev.Kind == KindNotOfInterest {
			continue
		}
		ev.Signature = record.Signature
		ev.Slot = record.Slot
		ev.BlockTime = record.BlockTime
		ev.InstructionIndex = i
		events = append(events, ev)
	}
	return events
}

// listSignatures returns every signature newer than until, newest first,
// paging backwards with Before while pages come back full. capped reports
// that the page cap stopped the listing before until was reached.
func (c *Client) listSignatures(ctx context.Context, address solana.PublicKey, until solana.Signature, limit int) (_ []*rpc.TransactionSignature, capped bool, _ error) {
	var (
		all    []*rpc.TransactionSignature
		before solana.Signature
		seen   = make(map[solana.Signature]struct{})
	)

	for page := 0; page < maxSignaturePages; page++ {
		opts := &rpc.GetSignaturesForAddressOpts{
			Limit: &limit,
			Until: until,
		}
		if !before.IsZero() {
			opts.Before = before
		}

		sigs, err := c.getSignatures(ctx, address, opts)
		if err != nil {
			return nil, false, fmt.Errorf("failed to list signatures for %s: %w", address, err)
		}

		for _, s := range sigs {
			if _, dup := seen[s.Signature]; dup {
				continue
			}
			seen[s.Signature] = struct{}{}
			all = append(all, s)
		}

		if len(sigs) < limit {
			return all, false, nil
		}
		before = sigs[len(sigs)-1].Signature
	}

	c.logger.WarnContext(ctx, "signature pagination limit reached, older signatures in this burst are skipped",
		"address", address.String(),
		"pages", maxSignaturePages,
		"collected", len(all),
	)
	c.metrics.RecordSignaturePagesCapped(c.endpoint)
	return all, true, nil
}

// LatestCursor returns a cursor at the newest signature of address, or the zero
// cursor if the account has no history.
func (c *Client) LatestCursor(ctx context.Context, address solana.PublicKey) (cursor.Cursor, error) {
	limit := 1
	sigs, err := c.getSignatures(ctx, address, &rpc.GetSignaturesForAddressOpts{Limit: &limit})
	if err != nil {
		return cursor.Cursor{}, fmt.Errorf("failed to get latest signature for %s: %w", address, err)
	}
	if len(sigs) == 0 {
		return cursor.Cursor{}, nil
	}
	return cursor.Cursor{
		Signature: sigs[0].Signature,
		Slot:      sigs[0].Slot,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) getSignatures(ctx context.Context, address solana.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	c.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
		"address", address.String(),
		"until", opts.Until.String(),
		"before", opts.Before.String(),
	)

	start := time.Now()
	sigs, err := c.rpc.GetSignaturesForAddress(ctx, address, opts)
	status := "success"
	if err != nil {
		status = "error"
		if isRateLimited(err) {
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
	}
	c.metrics.RecordRPCCall("GetSignaturesForAddress", status, c.endpoint, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	c.metrics.RecordRPCSignaturesPerCall(c.endpoint, float64(len(sigs)))
	return sigs, nil
}

// GetTransactionRecord fetches one transaction with bounded retries. It returns
// an error wrapping rpc.ErrNotFound if the node does not have the transaction.
func (c *Client) GetTransactionRecord(ctx context.Context, signature solana.Signature) (*TransactionRecord, error) {
	policy := &retryPolicy{
		BackOff: backoff.WithMaxRetries(c.newBackOff(), c.maxRetries),
	}

	attempt := 0
	result, err := backoff.RetryNotifyWithData(func() (*rpc.GetTransactionResult, error) {
		attempt++
		res, err := c.getTransaction(ctx, signature)
		policy.rateLimited = err != nil && isRateLimited(err)
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, backoff.Permanent(err)
		}
		if err == nil && res == nil {
			return nil, backoff.Permanent(rpc.ErrNotFound)
		}
		return res, err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		reason := "timeout_or_error"
		if policy.rateLimited {
			reason = "rate_limit"
			c.metrics.RecordRateLimitHit(c.endpoint)
		}
		c.metrics.RecordRPCRetry("GetTransaction", reason)
		c.logger.WarnContext(ctx, "failed to get transaction, retrying",
			"signature", signature.String(),
			"attempt", attempt,
			"reason", reason,
			"backoff", next.String(),
			"error", err,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", signature, err)
	}

	return recordFromResult(signature, result)
}

// DecodeTransaction fetches one transaction and classifies every instruction
// of the monitored program in it, including unrecognized and malformed ones.
// Instructions of other programs are omitted. A transaction that failed on
// chain is classified too; record.Failed tells the caller.
func (c *Client) DecodeTransaction(ctx context.Context, signature solana.Signature) (*TransactionRecord, []Event, error) {
	record, err := c.GetTransactionRecord(ctx, signature)
	if err != nil {
		return nil, nil, err
	}
	return record, c.classifyAll(record), nil
}

func (c *Client) getTransaction(ctx context.Context, signature solana.Signature) (*rpc.GetTransactionResult, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	}
	start := time.Now()
	result, err := c.rpc.GetTransaction(ctx, signature, opts)

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall("GetTransaction", status, c.endpoint, time.Since(start).Seconds())
	return result, err
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.MaxElapsedTime = 0
	return b
}

// retryPolicy stretches the next delay when the last failure was a 429.
type retryPolicy struct {
	backoff.BackOff
	rateLimited bool
}

func (p *retryPolicy) NextBackOff() time.Duration {
	d := p.BackOff.NextBackOff()
	if d != backoff.Stop && p.rateLimited {
		d *= rateLimitMultiplier
	}
	return d
}

func isRateLimited(err error) bool {
	return strings.Contains(err.Error(), "429")
}

// recordFromResult converts an RPC transaction into a TransactionRecord,
// resolving account indices against the static keys followed by the keys loaded
// from address lookup tables (writable, then read-only).
func recordFromResult(signature solana.Signature, result *rpc.GetTransactionResult) (*TransactionRecord, error) {
	if result.Transaction == nil {
		return nil, fmt.Errorf("transaction %s has no body", signature)
	}
	tx, err := result.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", signature, err)
	}

	record := &TransactionRecord{
		Signature: signature,
		Slot:      result.Slot,
	}
	if result.BlockTime != nil {
		record.BlockTime = result.BlockTime.Time().UTC()
	}

	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if result.Meta != nil {
		record.Failed = result.Meta.Err != nil
		keys = append(keys, result.Meta.LoadedAddresses.Writable...)
		keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
	}

	record.Instructions = make([]Instruction, 0, len(tx.Message.Instructions))
	for i, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction %d: program index %d out of range", i, ci.ProgramIDIndex)
		}
		ins := Instruction{
			ProgramID: keys[ci.ProgramIDIndex],
			Accounts:  make([]solana.PublicKey, 0, len(ci.Accounts)),
			Data:      []byte(ci.Data),
		}
		for _, idx := range ci.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("instruction %d: account index %d out of range", i, idx)
			}
			ins.Accounts = append(ins.Accounts, keys[idx])
		}
		record.Instructions = append(record.Instructions, ins)
	}

	return record, nil
}
