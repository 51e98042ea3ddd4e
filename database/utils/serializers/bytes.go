package serializers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/gorm/schema"
)

type BytesInterface interface{ Bytes() []byte }
type SetBytesInterface interface{ SetBytes([]byte) }

// BytesSerializer stores byte-like fields (hashes, addresses, raw []byte) as
// 0x-prefixed hex strings.
type BytesSerializer struct{}

func init() {
	schema.RegisterSerializer("bytes", BytesSerializer{})
}

func (BytesSerializer) Scan(ctx context.Context, field *schema.Field, dst reflect.Value, dbValue interface{}) error {
	if dbValue == nil {
		return nil
	}

	var hexStr string
	switch v := dbValue.(type) {
	case string:
		hexStr = v
	case []byte:
		hexStr = string(v)
	default:
		return fmt.Errorf("expected hex string as the database value: %T", dbValue)
	}
	b, err := hexutil.Decode(hexStr)
	if err != nil {
		return fmt.Errorf("failed to decode database value: %w", err)
	}

	fieldValue := reflect.New(field.FieldType)
	fieldInterface := fieldValue.Interface()

	// pointer fields need an allocated element to call SetBytes on
	if field.FieldType.Kind() == reflect.Pointer {
		fieldValue.Elem().Set(reflect.New(field.FieldType.Elem()))
		fieldInterface = fieldValue.Elem().Interface()
	}

	switch target := fieldInterface.(type) {
	case *[]byte:
		*target = b
	case SetBytesInterface:
		target.SetBytes(b)
	default:
		return fmt.Errorf("field does not satisfy the SetBytes([]byte) interface: %T", fieldInterface)
	}

	field.ReflectValueOf(ctx, dst).Set(fieldValue.Elem())
	return nil
}

func (BytesSerializer) Value(ctx context.Context, field *schema.Field, dst reflect.Value, fieldValue interface{}) (interface{}, error) {
	if fieldValue == nil || (field.FieldType.Kind() == reflect.Pointer && reflect.ValueOf(fieldValue).IsNil()) {
		return nil, nil
	}

	switch v := fieldValue.(type) {
	case []byte:
		return hexutil.Encode(v), nil
	case BytesInterface:
		return hexutil.Encode(v.Bytes()), nil
	default:
		return nil, fmt.Errorf("field does not satisfy the Bytes() []byte interface: %T", fieldValue)
	}
}
