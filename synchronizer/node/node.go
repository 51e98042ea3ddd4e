package node

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	defaultDialTimeout = 5 * time.Second

	defaultRequestTimeout = 100 * time.Second
)

type myClient struct {
	rpc RPC
}

// SendRawTransaction hands the exact bytes to eth_sendRawTransaction; nothing
// is decoded or re-encoded on the way out.
func (m *myClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var hash common.Hash
	if err := m.rpc.CallContext(ctxwt, &hash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return common.Hash{}, err
	}
	log.Info("send raw tx to ledger success", "hash", hash)
	return hash, nil
}

func (m *myClient) TxReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var txReceipt *types.Receipt
	err := m.rpc.CallContext(ctxwt, &txReceipt, "eth_getTransactionReceipt", hash)
	if err != nil {
		return nil, err
	} else if txReceipt == nil {
		return nil, ethereum.NotFound
	}

	return txReceipt, nil
}

func (m *myClient) TxCountByAddress(ctx context.Context, address common.Address) (hexutil.Uint64, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	var nonce hexutil.Uint64
	err := m.rpc.CallContext(ctxwt, &nonce, "eth_getTransactionCount", address, "latest")
	if err != nil {
		log.Error("Call eth_getTransactionCount method fail", "err", err)
		return 0, err
	}
	log.Debug("get nonce by address success", "address", address, "nonce", nonce)
	return nonce, err
}

func (m *myClient) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var code hexutil.Bytes
	if err := m.rpc.CallContext(ctxwt, &code, "eth_getCode", address, "latest"); err != nil {
		return nil, err
	}
	return code, nil
}

func (m *myClient) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var balance hexutil.Big
	if err := m.rpc.CallContext(ctxwt, &balance, "eth_getBalance", address, "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&balance), nil
}

func (m *myClient) StorageAt(ctx context.Context, address common.Address, slot common.Hash) (common.Hash, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var value hexutil.Bytes
	if err := m.rpc.CallContext(ctxwt, &value, "eth_getStorageAt", address, slot, "latest"); err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(value), nil
}

func (m *myClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	arg := map[string]interface{}{
		"to":    to,
		"input": hexutil.Bytes(data),
	}
	var out hexutil.Bytes
	if err := m.rpc.CallContext(ctxwt, &out, "eth_call", arg, "latest"); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *myClient) TxByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var tx *types.Transaction
	err := m.rpc.CallContext(ctxwt, &tx, "eth_getTransactionByHash", hash)
	if err != nil {
		return nil, err
	} else if tx == nil {
		return nil, ethereum.NotFound
	}
	return tx, nil
}

func (m *myClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctxwt, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	var id hexutil.Big
	if err := m.rpc.CallContext(ctxwt, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&id), nil
}

// TxsByHashes fetches several transactions in a single batch round trip.
func (m *myClient) TxsByHashes(ctx context.Context, hashes []common.Hash) ([]*types.Transaction, error) {
	txs := make([]*types.Transaction, len(hashes))
	batchElems := make([]rpc.BatchElem, len(hashes))
	for i, hash := range hashes {
		batchElems[i] = rpc.BatchElem{
			Method: "eth_getTransactionByHash",
			Args:   []interface{}{hash},
			Result: &txs[i],
		}
	}

	ctxwt, cancel := context.WithTimeout(ctx, time.Second*10)
	defer cancel()
	if err := m.rpc.BatchCallContext(ctxwt, batchElems); err != nil {
		return nil, err
	}
	for i, elem := range batchElems {
		if elem.Error != nil {
			return nil, fmt.Errorf("unable to fetch tx %s: %w", hashes[i], elem.Error)
		}
		if txs[i] == nil {
			return nil, fmt.Errorf("tx %s: %w", hashes[i], ethereum.NotFound)
		}
	}
	return txs, nil
}

func (m *myClient) Close() {
	m.rpc.Close()
}

type RPC interface {
	Close()
	CallContext(ctx context.Context, result any, method string, args ...any) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
}

// EthClient is the JSON-RPC surface the ledger adapter and the fixture
// fetcher consume.
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)

	TxByHash(ctx context.Context, hash common.Hash) (*types.Transaction, error)
	TxsByHashes(ctx context.Context, hashes []common.Hash) ([]*types.Transaction, error)
	TxReceiptByHash(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	TxCountByAddress(ctx context.Context, address common.Address) (hexutil.Uint64, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
	StorageAt(ctx context.Context, address common.Address, slot common.Hash) (common.Hash, error)
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)

	Close()
}

func DialEthClient(ctx context.Context, rpcUrl string) (EthClient, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	rpcClient, err := rpc.DialContext(ctx, rpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to dial address (%s): %w", rpcUrl, err)
	}

	return &myClient{
		rpc: NewRPC(rpcClient),
	}, nil
}

// NewEthClient wraps an already established RPC connection.
func NewEthClient(r RPC) EthClient {
	return &myClient{rpc: r}
}

type rpcClient struct {
	rpc *rpc.Client
}

func NewRPC(client *rpc.Client) RPC {
	return &rpcClient{client}
}

func (c *rpcClient) Close() {
	c.rpc.Close()
}

func (c *rpcClient) CallContext(ctx context.Context, result any, method string, args ...any) error {
	err := c.rpc.CallContext(ctx, result, method, args...)
	return err
}

func (c *rpcClient) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	err := c.rpc.BatchCallContext(ctx, b)
	return err
}
