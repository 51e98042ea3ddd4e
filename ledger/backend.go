package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// Backend is satisfied by *ethclient.Client and by the client of go-ethereum's
// simulated backend.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type backendLedger struct {
	backend Backend
	opts    Options
}

// NewBackendLedger adapts an ethclient-shaped backend. Raw bytes are decoded
// into a transaction whose canonical encoding is the same bytes, so the
// ledger still sees them unchanged.
func NewBackendLedger(backend Backend, opts Options) Ledger {
	return &backendLedger{backend: backend, opts: opts.withDefaults()}
}

// DialBackendLedger connects with ethclient.
func DialBackendLedger(ctx context.Context, rawURL string, opts Options) (Ledger, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "dial ledger", err).AddContext("url", rawURL)
	}
	return NewBackendLedger(client, opts), nil
}

func (l *backendLedger) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := l.backend.ChainID(ctx)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "read chain id", err)
	}
	return id, nil
}

func (l *backendLedger) Submit(ctx context.Context, raw []byte) (*Receipt, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, errs.WrapError(errs.ErrorTypeDecoding, "decode raw transaction", err)
	}
	err := l.backend.SendTransaction(ctx, tx)
	switch {
	case alreadyKnown(err):
		log.Info("transaction already pending, waiting for it", "hash", tx.Hash())
	case err != nil:
		return nil, sendFailed(tx.Hash(), err)
	}
	if l.opts.AfterSend != nil {
		l.opts.AfterSend()
	}
	return waitForReceipt(ctx, tx.Hash(), l.backend.TransactionReceipt, l.opts)
}

func (l *backendLedger) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	return lookupReceipt(ctx, hash, l.backend.TransactionReceipt)
}

func (l *backendLedger) GetAccountNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := l.backend.NonceAt(ctx, account, nil)
	if err != nil {
		return 0, errs.WrapError(errs.ErrorTypeNetwork, "read account nonce", err).AddContext("account", account.Hex())
	}
	return nonce, nil
}

func (l *backendLedger) GetCode(ctx context.Context, account common.Address) ([]byte, error) {
	code, err := l.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "read code", err).AddContext("account", account.Hex())
	}
	return code, nil
}

func (l *backendLedger) GetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := l.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "read balance", err).AddContext("account", account.Hex())
	}
	return balance, nil
}

func (l *backendLedger) GetStorageAt(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error) {
	value, err := l.backend.StorageAt(ctx, account, slot, nil)
	if err != nil {
		return common.Hash{}, errs.WrapError(errs.ErrorTypeNetwork, "read storage", err).
			AddContext("account", account.Hex()).
			AddContext("slot", slot.Hex())
	}
	return common.BytesToHash(value), nil
}

func (l *backendLedger) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "call contract", err).AddContext("to", to.Hex())
	}
	return out, nil
}
