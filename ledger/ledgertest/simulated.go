// Package ledgertest spins up an in-process chain for tests that need real
// signed transactions and real receipts.
package ledgertest

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/mjkid221/damn-vulnerable-defi/ledger"
)

// GasPrice is used for every transaction built here; it sits well above the
// simulated chain's base fee.
var GasPrice = big.NewInt(10 * params.GWei)

// ReturnFortyTwo is init code deploying a contract whose every call returns
// the word 42.
var ReturnFortyTwo = common.FromHex("0x600a600c600039600a6000f3602a60005260206000f3")

// Account is a funded key on the simulated chain.
type Account struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// NewAccount generates a fresh key.
func NewAccount(t testing.TB) Account {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return Account{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Chain bundles a simulated backend with a Ledger that seals a block after
// every accepted transaction.
type Chain struct {
	Backend *simulated.Backend
	Ledger  ledger.Ledger
	ChainID *big.Int
}

// NewChain funds each account with 100 ether and returns the chain. The
// backend is closed when the test ends.
func NewChain(t testing.TB, accounts ...Account) *Chain {
	alloc := types.GenesisAlloc{}
	funds := new(big.Int).Mul(big.NewInt(100), big.NewInt(params.Ether))
	for _, acc := range accounts {
		alloc[acc.Address] = types.Account{Balance: funds}
	}
	backend := simulated.NewBackend(alloc)
	t.Cleanup(func() { _ = backend.Close() })

	chainID, err := backend.Client().ChainID(context.Background())
	require.NoError(t, err)

	l := ledger.NewBackendLedger(backend.Client(), ledger.Options{
		InclusionTimeout: 5 * time.Second,
		PollInterval:     10 * time.Millisecond,
		AfterSend:        func() { backend.Commit() },
	})
	return &Chain{Backend: backend, Ledger: l, ChainID: chainID}
}

// Sign returns the canonical encoding of a legacy transaction signed by from.
// A nil to builds a contract creation.
func (c *Chain) Sign(t testing.TB, from Account, nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte) []byte {
	if value == nil {
		value = new(big.Int)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: GasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.ChainID), from.Key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return raw
}
