package payload

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

const WordSize = 32

// offsetRef is a word whose value is only known once the whole layout is
// laid out: the distance from mark base to mark target.
type offsetRef struct {
	field  int
	base   string
	target string
}

// LayoutBuilder appends fields at a running cursor so every offset follows
// from the lengths before it. Errors are sticky and reported by Layout.
type LayoutBuilder struct {
	fields []Field
	cursor int
	marks  map[string]int
	refs   []offsetRef
	err    error
}

func NewLayoutBuilder() *LayoutBuilder {
	return &LayoutBuilder{marks: make(map[string]int)}
}

// Cursor is the offset the next field will be placed at.
func (b *LayoutBuilder) Cursor() int { return b.cursor }

func (b *LayoutBuilder) push(name string, role Role, data []byte) *LayoutBuilder {
	if b.err != nil {
		return b
	}
	b.fields = append(b.fields, Field{
		Name:   name,
		Offset: b.cursor,
		Length: len(data),
		Role:   role,
		Data:   data,
	})
	b.cursor += len(data)
	return b
}

func (b *LayoutBuilder) Selector(name string, sel [4]byte) *LayoutBuilder {
	return b.push(name, RoleSelector, append([]byte(nil), sel[:]...))
}

// SelectorOf appends the selector of signature.
func (b *LayoutBuilder) SelectorOf(name, signature string) *LayoutBuilder {
	return b.Selector(name, EncodeSelector(signature))
}

// Address appends addr left-padded to a word.
func (b *LayoutBuilder) Address(name string, addr common.Address) *LayoutBuilder {
	return b.push(name, RoleAddress, common.LeftPadBytes(addr.Bytes(), WordSize))
}

// Uint appends v as a big-endian word.
func (b *LayoutBuilder) Uint(name string, v *uint256.Int) *LayoutBuilder {
	word := v.Bytes32()
	return b.push(name, RoleUint, word[:])
}

func (b *LayoutBuilder) Uint64(name string, v uint64) *LayoutBuilder {
	return b.Uint(name, uint256.NewInt(v))
}

// Word appends 32 raw bytes.
func (b *LayoutBuilder) Word(name string, w common.Hash) *LayoutBuilder {
	return b.push(name, RoleUint, w.Bytes())
}

// BytesLength appends the length word of a dynamic bytes value.
func (b *LayoutBuilder) BytesLength(name string, n int) *LayoutBuilder {
	if n < 0 {
		return b.fail(errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("negative length for %q", name)))
	}
	word := uint256.NewInt(uint64(n)).Bytes32()
	return b.push(name, RoleBytesLength, word[:])
}

// BytesData appends data verbatim without padding.
func (b *LayoutBuilder) BytesData(name string, data []byte) *LayoutBuilder {
	return b.push(name, RoleBytesData, append([]byte(nil), data...))
}

// Bytes appends a length word followed by data, padded to a word boundary.
func (b *LayoutBuilder) Bytes(name string, data []byte) *LayoutBuilder {
	b.BytesLength(name+".length", len(data)).BytesData(name+".data", data)
	if rem := len(data) % WordSize; rem != 0 {
		b.Padding(name+".pad", WordSize-rem)
	}
	return b
}

// Padding appends n zero bytes.
func (b *LayoutBuilder) Padding(name string, n int) *LayoutBuilder {
	if n < 0 {
		return b.fail(errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("negative padding for %q", name)))
	}
	return b.push(name, RolePadding, make([]byte, n))
}

// PadTo appends zeros until the cursor sits at offset.
func (b *LayoutBuilder) PadTo(name string, offset int) *LayoutBuilder {
	return b.Padding(name, offset-b.cursor)
}

func (b *LayoutBuilder) Raw(name string, data []byte) *LayoutBuilder {
	return b.push(name, RoleRaw, append([]byte(nil), data...))
}

// Mark names the current cursor position.
func (b *LayoutBuilder) Mark(name string) *LayoutBuilder {
	if b.err != nil {
		return b
	}
	if _, dup := b.marks[name]; dup {
		return b.fail(errs.NewError(errs.ErrorTypeValidation, fmt.Sprintf("mark %q set twice", name)))
	}
	b.marks[name] = b.cursor
	return b
}

// OffsetTo appends a word holding mark(target) - mark(base). Either mark may
// be set later; the value is resolved by Layout.
func (b *LayoutBuilder) OffsetTo(name, base, target string) *LayoutBuilder {
	if b.err != nil {
		return b
	}
	b.refs = append(b.refs, offsetRef{field: len(b.fields), base: base, target: target})
	return b.push(name, RoleUint, make([]byte, WordSize))
}

// Overlay records a field at an explicit offset without moving the cursor.
// The bytes must match whatever the regular fields put there.
func (b *LayoutBuilder) Overlay(name string, offset int, role Role, data []byte) *LayoutBuilder {
	if b.err != nil {
		return b
	}
	b.fields = append(b.fields, Field{
		Name:    name,
		Offset:  offset,
		Length:  len(data),
		Role:    role,
		Data:    append([]byte(nil), data...),
		Overlap: true,
	})
	return b
}

func (b *LayoutBuilder) fail(err error) *LayoutBuilder {
	if b.err == nil {
		b.err = err
	}
	return b
}

// Layout resolves offsets and returns a layout sized to the cursor.
func (b *LayoutBuilder) Layout() (*Layout, error) {
	return b.LayoutSized(b.cursor)
}

// LayoutSized is Layout with an explicit declared size, which Check compares
// against the fields.
func (b *LayoutBuilder) LayoutSized(size int) (*Layout, error) {
	if b.err != nil {
		return nil, b.err
	}
	fields := make([]Field, len(b.fields))
	copy(fields, b.fields)
	for _, ref := range b.refs {
		base, ok := b.marks[ref.base]
		if !ok {
			return nil, errs.NewError(errs.ErrorTypeValidation, fmt.Sprintf("unknown mark %q", ref.base))
		}
		target, ok := b.marks[ref.target]
		if !ok {
			return nil, errs.NewError(errs.ErrorTypeValidation, fmt.Sprintf("unknown mark %q", ref.target))
		}
		if target < base {
			return nil, errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("mark %q precedes its base %q", ref.target, ref.base))
		}
		word := uint256.NewInt(uint64(target - base)).Bytes32()
		fields[ref.field].Data = word[:]
	}
	return &Layout{Fields: fields, Size: size}, nil
}

// Build lays out and serializes in one go.
func (b *LayoutBuilder) Build() ([]byte, *Layout, error) {
	layout, err := b.Layout()
	if err != nil {
		return nil, nil, err
	}
	out, err := Build(layout)
	if err != nil {
		return nil, nil, err
	}
	return out, layout, nil
}
