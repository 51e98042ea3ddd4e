// Package oracle derives the addresses contracts will be created at before the
// creating transaction is sent.
package oracle

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// DefaultMaxIterations bounds every nonce or salt search unless overridden.
const DefaultMaxIterations uint64 = 10_000

// ctx is polled once per this many candidates.
const cancelCheckInterval = 1024

// Predict returns the address a plain CREATE from deployer lands on when the
// deployer's account nonce is nonce: keccak256(rlp([deployer, nonce]))[12:].
// The nonce is arbitrary precision so large values never wrap.
func Predict(deployer common.Address, nonce *big.Int) (common.Address, error) {
	if nonce == nil || nonce.Sign() < 0 {
		return common.Address{}, errs.NewError(errs.ErrorTypeValidation, "nonce must be a non-negative integer").
			AddContext("deployer", deployer.Hex())
	}
	enc, err := rlp.EncodeToBytes([]interface{}{deployer, nonce})
	if err != nil {
		return common.Address{}, errs.WrapError(errs.ErrorTypeValidation, "rlp encode deployer/nonce", err)
	}
	return common.BytesToAddress(crypto.Keccak256(enc)[12:]), nil
}

// PredictUint64 is Predict for nonces that fit the ledger's native width.
func PredictUint64(deployer common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(deployer, nonce)
}

// PredictCreate2 returns the CREATE2 address
// keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:].
func PredictCreate2(factory common.Address, salt [32]byte, initCode []byte) common.Address {
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(initCode))
}

// SameAddress compares two textual addresses in canonical form, ignoring
// checksum casing and an optional 0x prefix.
func SameAddress(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return strings.EqualFold(a, b)
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// Oracle runs bounded searches over deployment inputs.
type Oracle struct {
	MaxIterations uint64
}

// New returns an Oracle with the given search ceiling; zero selects
// DefaultMaxIterations.
func New(maxIterations uint64) *Oracle {
	if maxIterations == 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Oracle{MaxIterations: maxIterations}
}

func (o *Oracle) ceiling() uint64 {
	if o == nil || o.MaxIterations == 0 {
		return DefaultMaxIterations
	}
	return o.MaxIterations
}

// FindNonceForAddress searches upward from startNonce and returns the smallest
// nonce whose CREATE address equals target. At most MaxIterations candidates
// are tried before AddressPredictionExhausted is returned.
func (o *Oracle) FindNonceForAddress(ctx context.Context, deployer, target common.Address, startNonce *big.Int) (*big.Int, error) {
	if startNonce == nil || startNonce.Sign() < 0 {
		return nil, errs.NewError(errs.ErrorTypeValidation, "start nonce must be a non-negative integer")
	}
	limit := o.ceiling()
	nonce := new(big.Int).Set(startNonce)
	one := big.NewInt(1)

	for i := uint64(0); i < limit; i++ {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		addr, err := Predict(deployer, nonce)
		if err != nil {
			return nil, err
		}
		if addr == target {
			log.Debug("nonce search matched", "deployer", deployer, "target", target, "nonce", nonce, "tried", i+1)
			return nonce, nil
		}
		nonce.Add(nonce, one)
	}
	last := new(big.Int).Sub(nonce, one)
	return nil, errs.NewPredictionExhausted(target, startNonce.String(), last.String(), limit)
}

// FindSaltForAddress enumerates salts as big-endian integers starting at
// startSalt and returns the first one whose CREATE2 address equals target.
func (o *Oracle) FindSaltForAddress(ctx context.Context, factory, target common.Address, initCode []byte, startSalt *big.Int) (common.Hash, error) {
	if startSalt == nil || startSalt.Sign() < 0 || startSalt.BitLen() > 256 {
		return common.Hash{}, errs.NewError(errs.ErrorTypeValidation, "start salt must fit in 32 bytes")
	}
	limit := o.ceiling()
	codeHash := crypto.Keccak256(initCode)
	salt := new(big.Int).Set(startSalt)
	one := big.NewInt(1)

	for i := uint64(0); i < limit; i++ {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return common.Hash{}, err
			}
		}
		if salt.BitLen() > 256 {
			break
		}
		word := common.BigToHash(salt)
		if crypto.CreateAddress2(factory, word, codeHash) == target {
			return word, nil
		}
		salt.Add(salt, one)
	}
	last := new(big.Int).Sub(salt, one)
	return common.Hash{}, errs.NewPredictionExhausted(target, startSalt.String(), last.String(), limit)
}

// PredictRange returns the CREATE addresses for count consecutive nonces
// starting at start, in nonce order.
func PredictRange(deployer common.Address, start *big.Int, count int) ([]common.Address, error) {
	if start == nil {
		return nil, errs.NewError(errs.ErrorTypeValidation, "start nonce is required")
	}
	out := make([]common.Address, 0, count)
	nonce := new(big.Int).Set(start)
	for i := 0; i < count; i++ {
		addr, err := Predict(deployer, nonce)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
		nonce.Add(nonce, big.NewInt(1))
	}
	return out, nil
}
