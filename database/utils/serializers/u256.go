package serializers

import (
	"context"
	"fmt"
	"math/big"
	"reflect"

	"github.com/holiman/uint256"
	"github.com/jackc/pgtype"
	"gorm.io/gorm/schema"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

var (
	bigIntType  = reflect.TypeOf((*big.Int)(nil))
	uint256Type = reflect.TypeOf((*uint256.Int)(nil))
)

// U256Serializer stores nonces and wei amounts as NUMERIC(78) decimals.
// Fields are *big.Int (nonces past uint64 come out of salt and nonce
// searches) or *uint256.Int. Anything outside [0, 2^256) is rejected both
// ways, so a column never holds a value the chain could not.
type U256Serializer struct{}

func init() {
	schema.RegisterSerializer("u256", U256Serializer{})
}

func (U256Serializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	if dbValue == nil {
		return nil
	}
	if field.FieldType != bigIntType && field.FieldType != uint256Type {
		return errs.NewError(errs.ErrorTypeDecoding, fmt.Sprintf("u256 column %s needs a *big.Int or *uint256.Int field, got %s", field.Name, field.FieldType))
	}

	word, err := decodeNumeric(dbValue)
	if err != nil {
		return errs.WrapError(errs.ErrorTypeDecoding, "u256 column "+field.Name, err)
	}
	if field.FieldType == uint256Type {
		field.ReflectValueOf(ctx, dst).Set(reflect.ValueOf(word))
	} else {
		field.ReflectValueOf(ctx, dst).Set(reflect.ValueOf(word.ToBig()))
	}
	return nil
}

// decodeNumeric accepts the decimal text the postgres driver hands back for
// NUMERIC columns and plain Go numbers from other drivers.
func decodeNumeric(dbValue interface{}) (*uint256.Int, error) {
	var n *big.Int
	switch v := dbValue.(type) {
	case string:
		if n, _ = new(big.Int).SetString(v, 10); n == nil {
			return nil, fmt.Errorf("not a decimal: %q", v)
		}
	case []byte:
		if n, _ = new(big.Int).SetString(string(v), 10); n == nil {
			return nil, fmt.Errorf("not a decimal: %q", v)
		}
	default:
		numeric := new(pgtype.Numeric)
		if err := numeric.Set(dbValue); err != nil {
			return nil, err
		}
		if numeric.Status != pgtype.Present || numeric.NaN {
			return nil, fmt.Errorf("numeric is not a number: %v", dbValue)
		}
		if numeric.Exp < 0 {
			return nil, fmt.Errorf("numeric has a fractional part: %v", dbValue)
		}
		n = new(big.Int).Set(numeric.Int)
		if numeric.Exp > 0 {
			n.Mul(n, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(numeric.Exp)), nil))
		}
	}
	return toWord(n)
}

func toWord(n *big.Int) (*uint256.Int, error) {
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", n)
	}
	word, overflow := uint256.FromBig(n)
	if overflow {
		return nil, fmt.Errorf("value %s does not fit in 256 bits", n)
	}
	return word, nil
}

func (U256Serializer) Value(ctx context.Context, field *schema.Field, dst reflect.Value, fieldValue interface{}) (interface{}, error) {
	if fieldValue == nil || (field.FieldType.Kind() == reflect.Pointer && reflect.ValueOf(fieldValue).IsNil()) {
		return nil, nil
	}
	switch v := fieldValue.(type) {
	case *uint256.Int:
		return v.Dec(), nil
	case *big.Int:
		word, err := toWord(v)
		if err != nil {
			return nil, errs.WrapError(errs.ErrorTypeValidation, "u256 column "+field.Name, err)
		}
		// plain decimal, never exponent notation
		return word.Dec(), nil
	}
	return nil, errs.NewError(errs.ErrorTypeValidation, fmt.Sprintf("u256 column %s cannot store %T", field.Name, fieldValue))
}
