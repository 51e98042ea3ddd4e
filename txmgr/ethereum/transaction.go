package ethereum

import (
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
)

const (
	DefaultGasLimit uint64 = 3_000_000
	DefaultGasPrice int64  = 1_000_000_000
)

func BuildErc20TransferData(toAddress common.Address, amount *big.Int) []byte {
	var data []byte

	methodId := payload.EncodeSelector("transfer(address,uint256)")
	dataAddress := common.LeftPadBytes(toAddress.Bytes(), 32)
	dataAmount := common.LeftPadBytes(amount.Bytes(), 32)

	data = append(data, methodId[:]...)
	data = append(data, dataAddress...)
	data = append(data, dataAmount...)

	return data
}

func BuildErc20TransferFromData(fromAddress, toAddress common.Address, amount *big.Int) []byte {
	var data []byte

	methodId := payload.EncodeSelector("transferFrom(address,address,uint256)")

	data = append(data, methodId[:]...)
	data = append(data, common.LeftPadBytes(fromAddress.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(toAddress.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	return data
}

func BuildErc20BalanceOfData(holder common.Address) []byte {
	methodId := payload.EncodeSelector("balanceOf(address)")
	return append(methodId[:], common.LeftPadBytes(holder.Bytes(), 32)...)
}

// ParsePrivateKey accepts a hex key with or without the 0x prefix.
func ParsePrivateKey(privateKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKey), "0x"))
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeConfig, "invalid private key", err)
	}
	return key, nil
}

// CallSigner signs fresh calls on behalf of one account. Nonces are always
// supplied by the caller, who reads them from the ledger.
type CallSigner struct {
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasPrice *big.Int
	gasLimit uint64
}

// NewCallSigner signs for key on chainID. A nil gasPrice selects
// DefaultGasPrice.
func NewCallSigner(key *ecdsa.PrivateKey, chainID, gasPrice *big.Int) *CallSigner {
	if gasPrice == nil {
		gasPrice = big.NewInt(DefaultGasPrice)
	}
	return &CallSigner{
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).Set(chainID),
		gasPrice: new(big.Int).Set(gasPrice),
		gasLimit: DefaultGasLimit,
	}
}

// NewCallSignerFromHex parses privateKey and builds a CallSigner.
func NewCallSignerFromHex(privateKey string, chainID, gasPrice *big.Int) (*CallSigner, error) {
	key, err := ParsePrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return NewCallSigner(key, chainID, gasPrice), nil
}

func (s *CallSigner) From() common.Address {
	return s.from
}

// SignCall returns the canonical encoding of a signed legacy transaction. A
// nil to deploys data as init code and a zero gas selects the default limit.
func (s *CallSigner) SignCall(nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	if gas == 0 {
		gas = s.gasLimit
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: s.gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(s.chainID)
	signedTx, err := types.SignTx(tx, signer, s.key)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeValidation, "failed to sign transaction", err)
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeDecoding, "failed to encode transaction", err)
	}
	log.Debug("signed call", "from", s.from, "nonce", nonce, "hash", signedTx.Hash(), "size", len(raw))
	return raw, nil
}
