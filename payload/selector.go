package payload

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// EncodeSelector returns the first four bytes of keccak256(signature), e.g.
// EncodeSelector("withdraw(address,address,uint256)") == d9caed12.
func EncodeSelector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// EncodeCall produces standard ABI call data for a canonical signature such
// as "transfer(address,uint256)". Args follow go-ethereum's abi packing rules.
func EncodeCall(signature string, args ...interface{}) ([]byte, error) {
	arguments, err := parseArguments(signature)
	if err != nil {
		return nil, err
	}
	packed, err := arguments.Pack(args...)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeValidation, "pack call arguments", err).AddContext("signature", signature)
	}
	sel := EncodeSelector(signature)
	return append(sel[:], packed...), nil
}

// EncodeArguments is abi.encode of args for a comma separated type list such
// as "address[],uint256[],bytes[],bytes32", without a selector.
func EncodeArguments(types string, args ...interface{}) ([]byte, error) {
	arguments, err := parseArguments("f(" + types + ")")
	if err != nil {
		return nil, err
	}
	packed, err := arguments.Pack(args...)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeValidation, "pack arguments", err).AddContext("types", types)
	}
	return packed, nil
}

// DecodeArguments unpacks ABI encoded return data for a type list.
func DecodeArguments(types string, data []byte) ([]interface{}, error) {
	arguments, err := parseArguments("f(" + types + ")")
	if err != nil {
		return nil, err
	}
	values, err := arguments.Unpack(data)
	if err != nil {
		return nil, errs.WrapError(errs.ErrorTypeDecoding, "unpack return data", err).AddContext("types", types)
	}
	return values, nil
}

func parseArguments(signature string) (abi.Arguments, error) {
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return nil, errs.NewError(errs.ErrorTypeValidation, "malformed function signature").AddContext("signature", signature)
	}
	var arguments abi.Arguments
	for _, typ := range splitTypes(signature[open+1 : len(signature)-1]) {
		t, err := abi.NewType(typ, "", nil)
		if err != nil {
			return nil, errs.WrapError(errs.ErrorTypeValidation, "unsupported argument type", err).
				AddContext("signature", signature).
				AddContext("type", typ)
		}
		arguments = append(arguments, abi.Argument{Type: t})
	}
	return arguments, nil
}

// splitTypes splits a comma separated type list at depth zero.
func splitTypes(list string) []string {
	if list == "" {
		return nil
	}
	var (
		out   []string
		depth int
		start int
	)
	for i, c := range list {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, list[start:i])
				start = i + 1
			}
		}
	}
	return append(out, list[start:])
}
