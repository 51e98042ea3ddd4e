package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// RPCClient is the part of node.EthClient the RPC ledger needs.
type RPCClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TxReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	TxCountByAddress(ctx context.Context, address common.Address) (hexutil.Uint64, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
	StorageAt(ctx context.Context, address common.Address, slot common.Hash) (common.Hash, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

type rpcLedger struct {
	client RPCClient
	opts   Options
}

// NewRPCLedger returns a Ledger that forwards raw bytes verbatim over
// eth_sendRawTransaction.
func NewRPCLedger(client RPCClient, opts Options) Ledger {
	return &rpcLedger{client: client, opts: opts.withDefaults()}
}

func (l *rpcLedger) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := l.client.ChainID(ctx)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "read chain id", err)
	}
	return id, nil
}

func (l *rpcLedger) Submit(ctx context.Context, raw []byte) (*Receipt, error) {
	// A transaction hash is keccak256 of its canonical encoding.
	localHash := crypto.Keccak256Hash(raw)

	hash, err := l.client.SendRawTransaction(ctx, raw)
	switch {
	case alreadyKnown(err):
		log.Info("transaction already pending, waiting for it", "hash", localHash)
		hash = localHash
	case err != nil:
		return nil, sendFailed(localHash, err)
	}
	if l.opts.AfterSend != nil {
		l.opts.AfterSend()
	}
	return waitForReceipt(ctx, hash, l.client.TxReceiptByHash, l.opts)
}

func (l *rpcLedger) Receipt(ctx context.Context, hash common.Hash) (*Receipt, error) {
	return lookupReceipt(ctx, hash, l.client.TxReceiptByHash)
}

func (l *rpcLedger) GetAccountNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := l.client.TxCountByAddress(ctx, account)
	if err != nil {
		return 0, errs.WrapError(errs.ErrorTypeNetwork, "read account nonce", err).AddContext("account", account.Hex())
	}
	return uint64(nonce), nil
}

func (l *rpcLedger) GetCode(ctx context.Context, account common.Address) ([]byte, error) {
	code, err := l.client.CodeAt(ctx, account)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "read code", err).AddContext("account", account.Hex())
	}
	return code, nil
}

func (l *rpcLedger) GetBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, err := l.client.BalanceAt(ctx, account)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "read balance", err).AddContext("account", account.Hex())
	}
	return balance, nil
}

func (l *rpcLedger) GetStorageAt(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error) {
	value, err := l.client.StorageAt(ctx, account, slot)
	if err != nil {
		return common.Hash{}, errs.WrapError(errs.ErrorTypeNetwork, "read storage", err).
			AddContext("account", account.Hex()).
			AddContext("slot", slot.Hex())
	}
	return value, nil
}

func (l *rpcLedger) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := l.client.CallContract(ctx, to, data)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeNetwork, "call contract", err).AddContext("to", to.Hex())
	}
	return out, nil
}
