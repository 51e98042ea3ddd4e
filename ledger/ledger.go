// Package ledger is the narrow view of the chain the exploit engine talks to:
// raw submission with a bounded inclusion wait plus a handful of state reads.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/txpool"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

const (
	DefaultInclusionTimeout = 30 * time.Second
	DefaultPollInterval     = 500 * time.Millisecond
)

// Receipt is the outcome of an included transaction.
type Receipt struct {
	TxHash          common.Hash
	Status          uint64
	GasUsed         uint64
	Logs            []*types.Log
	ContractAddress common.Address
	BlockNumber     *big.Int
}

// Succeeded reports whether execution did not revert.
func (r *Receipt) Succeeded() bool {
	return r != nil && r.Status == types.ReceiptStatusSuccessful
}

func newReceipt(r *types.Receipt) *Receipt {
	return &Receipt{
		TxHash:          r.TxHash,
		Status:          r.Status,
		GasUsed:         r.GasUsed,
		Logs:            r.Logs,
		ContractAddress: r.ContractAddress,
		BlockNumber:     r.BlockNumber,
	}
}

// Ledger submits signed transactions and answers state queries against the
// latest block.
type Ledger interface {
	ChainID(ctx context.Context) (*big.Int, error)

	// Submit sends raw unchanged and waits, bounded by the inclusion
	// timeout, for its receipt.
	Submit(ctx context.Context, raw []byte) (*Receipt, error)
	// Receipt returns the receipt of an included transaction or a not_found
	// error while it is still pending or unknown.
	Receipt(ctx context.Context, hash common.Hash) (*Receipt, error)

	GetAccountNonce(ctx context.Context, account common.Address) (uint64, error)
	GetCode(ctx context.Context, account common.Address) ([]byte, error)
	GetBalance(ctx context.Context, account common.Address) (*big.Int, error)
	GetStorageAt(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Options tune how long Submit waits for inclusion.
type Options struct {
	InclusionTimeout time.Duration
	PollInterval     time.Duration

	// AfterSend runs once a transaction was accepted, before polling. Dev
	// chains without automatic block production use it to seal a block.
	AfterSend func()
}

func (o Options) withDefaults() Options {
	if o.InclusionTimeout <= 0 {
		o.InclusionTimeout = DefaultInclusionTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

type receiptFetcher func(ctx context.Context, hash common.Hash) (*types.Receipt, error)

// waitForReceipt polls fetch until a receipt shows up or the inclusion
// timeout elapses. NotFound keeps polling; any other error is a network
// failure.
func waitForReceipt(ctx context.Context, hash common.Hash, fetch receiptFetcher, opts Options) (*Receipt, error) {
	deadline := time.NewTimer(opts.InclusionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := fetch(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			log.Debug("receipt received", "hash", hash, "status", receipt.Status, "block", receipt.BlockNumber)
			return newReceipt(receipt), nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, errs.WrapError(errs.ErrorTypeNetwork, "fetch receipt", err).AddContext("tx_hash", hash.Hex())
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			log.Warn("transaction not included in time", "hash", hash, "timeout", opts.InclusionTimeout)
			return nil, errs.NewSubmissionTimeout(hash, opts.InclusionTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// sendFailed wraps an error returned by the ledger when it refused a
// transaction outright.
func sendFailed(hash common.Hash, err error) error {
	return errs.WrapError(errs.ErrorTypeSubmissionFailed, "ledger refused transaction", err).
		AddContext("tx_hash", hash.Hex())
}

// alreadyKnown reports a resubmission of bytes the ledger already holds. The
// original submission is still pending, so waiting for it is the right move.
func alreadyKnown(err error) bool {
	return err != nil && strings.Contains(err.Error(), txpool.ErrAlreadyKnown.Error())
}

func lookupReceipt(ctx context.Context, hash common.Hash, fetch receiptFetcher) (*Receipt, error) {
	receipt, err := fetch(ctx, hash)
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, errs.NewError(errs.ErrorTypeNotFound, "receipt not found").AddContext("tx_hash", hash.Hex())
	}
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "fetch receipt", err).AddContext("tx_hash", hash.Hex())
	}
	return newReceipt(receipt), nil
}
