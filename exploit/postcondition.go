package exploit

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	txmgr "github.com/mjkid221/damn-vulnerable-defi/txmgr/ethereum"
)

// Postcondition is an assertion over ledger state. Check returns false with a
// detail when the assertion does not hold and an error only when the state
// could not be read.
type Postcondition struct {
	Name  string
	Check func(ctx context.Context, env *Env) (bool, string, error)
}

// HasCode holds when the account has deployed code.
func HasCode(account AddressRef) Postcondition {
	return Postcondition{
		Name: fmt.Sprintf("%s has code", account),
		Check: func(ctx context.Context, env *Env) (bool, string, error) {
			addr, err := account.Resolve(env)
			if err != nil {
				return false, "", err
			}
			code, err := env.Ledger.GetCode(ctx, addr)
			if err != nil {
				return false, "", err
			}
			return len(code) > 0, fmt.Sprintf("no code at %s", addr.Hex()), nil
		},
	}
}

// HasNoCode holds when the account is empty of code.
func HasNoCode(account AddressRef) Postcondition {
	return Postcondition{
		Name: fmt.Sprintf("%s has no code", account),
		Check: func(ctx context.Context, env *Env) (bool, string, error) {
			addr, err := account.Resolve(env)
			if err != nil {
				return false, "", err
			}
			code, err := env.Ledger.GetCode(ctx, addr)
			if err != nil {
				return false, "", err
			}
			return len(code) == 0, fmt.Sprintf("%d bytes of code at %s", len(code), addr.Hex()), nil
		},
	}
}

func BalanceEquals(account AddressRef, want *big.Int) Postcondition {
	return balanceCheck(account, want, "equals", func(have *big.Int) bool { return have.Cmp(want) == 0 })
}

func BalanceAtLeast(account AddressRef, want *big.Int) Postcondition {
	return balanceCheck(account, want, "at least", func(have *big.Int) bool { return have.Cmp(want) >= 0 })
}

func balanceCheck(account AddressRef, want *big.Int, op string, ok func(*big.Int) bool) Postcondition {
	return Postcondition{
		Name: fmt.Sprintf("balance of %s %s %s", account, op, want),
		Check: func(ctx context.Context, env *Env) (bool, string, error) {
			addr, err := account.Resolve(env)
			if err != nil {
				return false, "", err
			}
			have, err := env.Ledger.GetBalance(ctx, addr)
			if err != nil {
				return false, "", err
			}
			return ok(have), fmt.Sprintf("balance is %s", have), nil
		},
	}
}

// NonceEquals holds when the account nonce read from the ledger is want.
func NonceEquals(account AddressRef, want uint64) Postcondition {
	return Postcondition{
		Name: fmt.Sprintf("nonce of %s equals %d", account, want),
		Check: func(ctx context.Context, env *Env) (bool, string, error) {
			addr, err := account.Resolve(env)
			if err != nil {
				return false, "", err
			}
			have, err := env.ObserveNonce(ctx, addr)
			if err != nil {
				return false, "", err
			}
			return have == want, fmt.Sprintf("nonce is %d", have), nil
		},
	}
}

// StorageEquals compares one raw storage word.
func StorageEquals(account AddressRef, slot, want common.Hash) Postcondition {
	return Postcondition{
		Name: fmt.Sprintf("slot %s of %s equals %s", slot.Hex(), account, want.Hex()),
		Check: func(ctx context.Context, env *Env) (bool, string, error) {
			addr, err := account.Resolve(env)
			if err != nil {
				return false, "", err
			}
			have, err := env.Ledger.GetStorageAt(ctx, addr, slot)
			if err != nil {
				return false, "", err
			}
			return have == want, fmt.Sprintf("slot holds %s", have.Hex()), nil
		},
	}
}

// TokenBalanceEquals reads balanceOf(holder) on an ERC-20 token.
func TokenBalanceEquals(token, holder AddressRef, want *big.Int) Postcondition {
	return Postcondition{
		Name: fmt.Sprintf("token %s balance of %s equals %s", token, holder, want),
		Check: func(ctx context.Context, env *Env) (bool, string, error) {
			tokenAddr, err := token.Resolve(env)
			if err != nil {
				return false, "", err
			}
			holderAddr, err := holder.Resolve(env)
			if err != nil {
				return false, "", err
			}
			out, err := env.Ledger.Call(ctx, tokenAddr, txmgr.BuildErc20BalanceOfData(holderAddr))
			if err != nil {
				return false, "", err
			}
			have := new(big.Int).SetBytes(out)
			return have.Cmp(want) == 0, fmt.Sprintf("token balance is %s", have), nil
		},
	}
}

// CallReturns holds when an eth_call with data returns exactly want.
func CallReturns(to AddressRef, data, want []byte) Postcondition {
	return Postcondition{
		Name: fmt.Sprintf("call to %s returns %x", to, want),
		Check: func(ctx context.Context, env *Env) (bool, string, error) {
			addr, err := to.Resolve(env)
			if err != nil {
				return false, "", err
			}
			out, err := env.Ledger.Call(ctx, addr, data)
			if err != nil {
				return false, "", err
			}
			return bytes.Equal(out, want), fmt.Sprintf("returned %x", out), nil
		},
	}
}
