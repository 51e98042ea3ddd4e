// Package scenarios turns known challenge setups into exploit configurations.
package scenarios

import (
	"context"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
	txmgr "github.com/mjkid221/damn-vulnerable-defi/txmgr/ethereum"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

// ImplementationSlot is the ERC-1967 storage slot holding a proxy's
// implementation address.
var ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

// maxDeadline never expires.
var maxDeadline = new(uint256.Int).SetAllOne().ToBig()

// Params is everything a scenario needs to know about the deployed setup.
type Params struct {
	Ledger ledger.Ledger
	Store  *txstore.Store

	Player   common.Address
	ChainID  *big.Int
	GasPrice *big.Int

	// Addresses holds the challenge contracts by role, e.g. "vault".
	Addresses map[string]common.Address
	// Amounts holds known quantities in wei. Missing ones are read from the
	// ledger when the scenario is built.
	Amounts map[string]*big.Int
	// Code holds init code of helper contracts the scenario deploys.
	Code map[string][]byte
	// Secrets holds leaked material some scenarios start from.
	Secrets map[string]string
}

func (p Params) address(name string) (common.Address, error) {
	addr, ok := p.Addresses[name]
	if !ok {
		return common.Address{}, errs.NewConfigError("scenario address missing", "addresses."+name)
	}
	return addr, nil
}

func (p Params) addresses(names ...string) (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(names))
	for _, name := range names {
		addr, err := p.address(name)
		if err != nil {
			return nil, err
		}
		out[name] = addr
	}
	return out, nil
}

func (p Params) code(name string) ([]byte, error) {
	code, ok := p.Code[name]
	if !ok || len(code) == 0 {
		return nil, errs.NewConfigError("helper contract init code missing", "code."+name)
	}
	return code, nil
}

func (p Params) amount(name string, def *big.Int) *big.Int {
	if v, ok := p.Amounts[name]; ok && v != nil {
		return new(big.Int).Set(v)
	}
	return def
}

// tokenBalance prefers the configured amount and falls back to balanceOf.
func (p Params) tokenBalance(ctx context.Context, name string, token, holder common.Address) (*big.Int, error) {
	if v := p.amount(name, nil); v != nil {
		return v, nil
	}
	if p.Ledger == nil {
		return nil, errs.NewConfigError("amount missing and no ledger to read it from", "amounts."+name)
	}
	return TokenBalance(ctx, p.Ledger, token, holder)
}

func (p Params) etherBalance(ctx context.Context, name string, account common.Address) (*big.Int, error) {
	if v := p.amount(name, nil); v != nil {
		return v, nil
	}
	if p.Ledger == nil {
		return nil, errs.NewConfigError("amount missing and no ledger to read it from", "amounts."+name)
	}
	return p.Ledger.GetBalance(ctx, account)
}

// TokenBalance reads an ERC-20 balance with eth_call.
func TokenBalance(ctx context.Context, l ledger.Ledger, token, holder common.Address) (*big.Int, error) {
	out, err := l.Call(ctx, token, txmgr.BuildErc20BalanceOfData(holder))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// ReadImplementation returns the implementation behind an ERC-1967 proxy.
func ReadImplementation(ctx context.Context, l ledger.Ledger, proxy common.Address) (common.Address, error) {
	word, err := l.GetStorageAt(ctx, proxy, ImplementationSlot)
	if err != nil {
		return common.Address{}, err
	}
	if word == (common.Hash{}) {
		return common.Address{}, errs.NewError(errs.ErrorTypeNotFound, "proxy has no implementation set").
			AddContext("proxy", proxy.Hex())
	}
	return common.BytesToAddress(word[12:]), nil
}

// accountNonce prefers the configured amount and falls back to the ledger.
func (p Params) accountNonce(ctx context.Context, name string, account common.Address) (uint64, error) {
	if v := p.amount(name, nil); v != nil {
		if !v.IsUint64() {
			return 0, errs.NewConfigError("nonce out of range", "amounts."+name)
		}
		return v.Uint64(), nil
	}
	if p.Ledger == nil {
		return 0, errs.NewConfigError("nonce missing and no ledger to read it from", "amounts."+name)
	}
	return p.Ledger.GetAccountNonce(ctx, account)
}

// prefixed returns the addresses named prefix<something>, ordered by name.
func (p Params) prefixed(prefix string) []common.Address {
	names := make([]string, 0)
	for name := range p.Addresses {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]common.Address, len(names))
	for i, name := range names {
		out[i] = p.Addresses[name]
	}
	return out
}

// deployData appends ABI encoded constructor arguments to init code.
func deployData(code []byte, types string, args ...interface{}) ([]byte, error) {
	encoded, err := payload.EncodeArguments(types, args...)
	if err != nil {
		return nil, err
	}
	return append(append([]byte(nil), code...), encoded...), nil
}

// readAddress calls a no-argument getter returning an address.
func readAddress(ctx context.Context, l ledger.Ledger, contract common.Address, getter string) (common.Address, error) {
	sel := payload.EncodeSelector(getter)
	out, err := l.Call(ctx, contract, sel[:])
	if err != nil {
		return common.Address{}, err
	}
	values, err := payload.DecodeArguments("address", out)
	if err != nil {
		return common.Address{}, err
	}
	return values[0].(common.Address), nil
}

func addressWord(addr common.Address) []byte { return common.LeftPadBytes(addr.Bytes(), 32) }

func uintWord(v uint64) []byte { return common.LeftPadBytes(new(big.Int).SetUint64(v).Bytes(), 32) }

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}

// Builder assembles the run for one scenario. Ledger, store and signer are
// filled in by the caller.
type Builder func(ctx context.Context, p Params) (*exploit.Config, error)

var registry = map[string]Builder{
	"unstoppable":   Unstoppable,
	"truster":       Truster,
	"backdoor":      Backdoor,
	"climber":       Climber,
	"wallet-mining": WalletMining,
	"abi-smuggling": ABISmuggling,
	"compromised":   Compromised,
	"puppet":        Puppet,
	"puppet-v2":     PuppetV2,
}

// Lookup returns the builder registered under name.
func Lookup(name string) (Builder, error) {
	b, ok := registry[name]
	if !ok {
		return nil, errs.NewConfigError("unknown scenario "+name, "scenario").AddContext("known", Names())
	}
	return b, nil
}

// Names lists the registered scenarios in order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func to(name string) *exploit.AddressRef {
	ref := exploit.Ref(name)
	return &ref
}
