// Package payload assembles call data byte by byte from an explicit layout
// and refuses to emit anything whose layout does not add up.
package payload

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

// Role says what a field holds. It is informational except for overlaps.
type Role string

const (
	RoleSelector    Role = "selector"
	RoleAddress     Role = "address"
	RoleUint        Role = "uint"
	RoleBytesLength Role = "bytes-length"
	RoleBytesData   Role = "bytes-data"
	RolePadding     Role = "padding"
	RoleRaw         Role = "raw"
)

// Field is one contiguous run of bytes in the payload.
type Field struct {
	Name   string
	Offset int
	Length int
	Role   Role
	Data   []byte
	// Overlap marks a field that deliberately reuses bytes of another field.
	// Its data must agree with what is already there.
	Overlap bool
}

func (f Field) end() int { return f.Offset + f.Length }

// Layout is an ordered field list with a declared total size.
type Layout struct {
	Fields []Field
	Size   int
}

// Check verifies that every field fits in Size, that every byte is covered and
// that only fields marked Overlap share bytes.
func (l *Layout) Check() error {
	if l.Size < 0 {
		return errs.NewError(errs.ErrorTypeLayoutOverflow, "negative layout size").AddContext("size", l.Size)
	}
	for _, f := range l.Fields {
		if f.Offset < 0 || f.Length < 0 {
			return errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("field %q has a negative offset or length", f.Name)).
				AddContext("field", f.Name)
		}
		if f.end() > l.Size {
			return errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("field %q ends at %d past size %d", f.Name, f.end(), l.Size)).
				AddContext("field", f.Name).
				AddContext("end", f.end()).
				AddContext("size", l.Size)
		}
		if len(f.Data) != f.Length {
			return errs.NewError(errs.ErrorTypeLayoutOverflow, fmt.Sprintf("field %q declares %d bytes but holds %d", f.Name, f.Length, len(f.Data))).
				AddContext("field", f.Name)
		}
	}

	primary := make([]Field, 0, len(l.Fields))
	var overlays []Field
	for _, f := range l.Fields {
		if f.Overlap {
			overlays = append(overlays, f)
		} else {
			primary = append(primary, f)
		}
	}
	sort.SliceStable(primary, func(i, j int) bool { return primary[i].Offset < primary[j].Offset })

	cursor := 0
	for i, f := range primary {
		if f.Length == 0 {
			continue
		}
		if f.Offset > cursor {
			return gapError(cursor, f.Offset)
		}
		if f.Offset < cursor {
			prev := primary[i-1]
			return errs.NewError(errs.ErrorTypeLayoutOverlap, fmt.Sprintf("fields %q and %q overlap", prev.Name, f.Name)).
				AddContext("first", prev.Name).
				AddContext("second", f.Name)
		}
		cursor = f.end()
	}
	if cursor < l.Size {
		return gapError(cursor, l.Size)
	}

	if len(overlays) > 0 {
		base := make([]byte, l.Size)
		for _, f := range primary {
			copy(base[f.Offset:], f.Data)
		}
		for _, f := range overlays {
			if !bytes.Equal(base[f.Offset:f.end()], f.Data) {
				return errs.NewError(errs.ErrorTypeLayoutOverlap, fmt.Sprintf("overlapping field %q disagrees with the bytes beneath it", f.Name)).
					AddContext("field", f.Name).
					AddContext("offset", f.Offset)
			}
		}
	}
	return nil
}

func gapError(from, to int) error {
	return errs.NewError(errs.ErrorTypeLayoutGap, fmt.Sprintf("bytes %d..%d are not covered by any field", from, to)).
		AddContext("from", from).
		AddContext("to", to)
}

// Build checks the layout and serializes it. The result is exactly Size bytes.
func Build(l *Layout) ([]byte, error) {
	if err := l.Check(); err != nil {
		return nil, err
	}
	out := make([]byte, l.Size)
	for _, f := range l.Fields {
		if !f.Overlap {
			copy(out[f.Offset:], f.Data)
		}
	}
	return out, nil
}

// Field returns the named field.
func (l *Layout) Field(name string) (Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
