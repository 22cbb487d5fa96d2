// Package template decodes fixed-offset binary records (z/OS control blocks)
// described by declarative field tables.
//
// A Template is pure data: the walking code in package mvs only ever refers
// to structures and fields by name, so a different release layout is
// supplied by loading another schema rather than by changing code.
package template

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/grafana/tdump/pkg/tdump/core"
)

var (
	ErrUnknownField     = errors.New("unknown field")
	ErrUnknownStructure = errors.New("unknown structure")
	ErrIndexOutOfRange  = errors.New("field index out of range")

	// ErrUnsupportedFieldWidth is returned when decoding a field declared
	// wider than 64 bits.
	ErrUnsupportedFieldWidth = core.ErrUnsupportedFieldWidth
)

// A Field locates one (possibly repeated) value inside a structure.
type Field struct {
	Name      string
	Offset    int64 // bytes from the structure base
	BitOffset int   // bits from the most significant bit of the byte at Offset
	Bits      int   // width of one element
	Signed    bool
	Count     int   // number of elements, 1 for scalars
	Stride    int64 // bytes between elements
}

func (f Field) elementAddress(base core.Address, i int) core.Address {
	return base.Add(f.Offset + int64(i)*f.Stride)
}

// A Template is the immutable layout of one structure kind.
type Template struct {
	name   string
	size   int64
	fields map[string]Field
}

// New builds a template. Repeated fields without a stride get the element
// width rounded up to whole bytes.
func New(name string, size int64, fields ...Field) (*Template, error) {
	t := &Template{name: name, size: size, fields: make(map[string]Field, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, errors.Errorf("%s: field without a name", name)
		}
		if _, dup := t.fields[f.Name]; dup {
			return nil, errors.Errorf("%s: duplicate field %s", name, f.Name)
		}
		if f.Bits <= 0 {
			return nil, errors.Errorf("%s.%s: field width must be positive", name, f.Name)
		}
		if f.Count == 0 {
			f.Count = 1
		}
		if f.Stride == 0 {
			f.Stride = int64(f.BitOffset+f.Bits+7) / 8
		}
		t.fields[f.Name] = f
	}
	return t, nil
}

func (t *Template) Name() string { return t.name }

// Size returns the declared structure length in bytes, 0 if unknown.
func (t *Template) Size() int64 { return t.size }

func (t *Template) String() string {
	return fmt.Sprintf("template %s (%d fields)", t.name, len(t.fields))
}

// Field returns the descriptor of the named field.
func (t *Template) Field(name string) (Field, error) {
	f, ok := t.fields[name]
	if !ok {
		return Field{}, errors.Wrapf(ErrUnknownField, "%s.%s", t.name, name)
	}
	return f, nil
}

// Fields returns all field descriptors ordered by offset.
func (t *Template) Fields() []Field {
	fs := make([]Field, 0, len(t.fields))
	for _, f := range t.fields {
		fs = append(fs, f)
	}
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Offset != fs[j].Offset {
			return fs[i].Offset < fs[j].Offset
		}
		if fs[i].BitOffset != fs[j].BitOffset {
			return fs[i].BitOffset < fs[j].BitOffset
		}
		return fs[i].Name < fs[j].Name
	})
	return fs
}

// FieldOffset returns the byte offset of the named field.
func (t *Template) FieldOffset(name string) (int64, error) {
	f, err := t.Field(name)
	return f.Offset, err
}

// FieldLength returns the width in bits of one element of the named field.
func (t *Template) FieldLength(name string) (int, error) {
	f, err := t.Field(name)
	return f.Bits, err
}

// Address returns the absolute address of element i of the named field.
func (t *Template) Address(base core.Address, name string, i int) (core.Address, error) {
	f, err := t.Field(name)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= f.Count {
		return 0, errors.Wrapf(ErrIndexOutOfRange, "%s.%s[%d]", t.name, name, i)
	}
	return f.elementAddress(base, i), nil
}

// Decode reads the named scalar field of the structure at base.
func (t *Template) Decode(as *core.AddressSpace, base core.Address, name string) (int64, error) {
	return t.DecodeIndex(as, base, name, 0)
}

// DecodeIndex reads element i of the named field of the structure at base.
func (t *Template) DecodeIndex(as *core.AddressSpace, base core.Address, name string, i int) (int64, error) {
	f, err := t.Field(name)
	if err != nil {
		return 0, err
	}
	if i < 0 || i >= f.Count {
		return 0, errors.Wrapf(ErrIndexOutOfRange, "%s.%s[%d]", t.name, name, i)
	}
	if f.Bits > 64 {
		return 0, errors.Wrapf(ErrUnsupportedFieldWidth, "%s.%s is %d bits", t.name, name, f.Bits)
	}
	v, err := as.ReadBits(f.elementAddress(base, i), f.BitOffset, f.Bits, f.Signed)
	if err != nil {
		return 0, errors.Wrapf(err, "%s.%s at %s", t.name, name, base)
	}
	return v, nil
}

// Uint reads the named field as an unsigned value.
func (t *Template) Uint(as *core.AddressSpace, base core.Address, name string) (uint64, error) {
	v, err := t.Decode(as, base, name)
	return uint64(v), err
}

// Ptr reads the named field as an address.
func (t *Template) Ptr(as *core.AddressSpace, base core.Address, name string) (core.Address, error) {
	v, err := t.Decode(as, base, name)
	return core.Address(v), err
}

// Bool reads the named field and reports whether it is non-zero.
func (t *Template) Bool(as *core.AddressSpace, base core.Address, name string) (bool, error) {
	v, err := t.Decode(as, base, name)
	return v != 0, err
}

// Uints reads every element of the named field.
func (t *Template) Uints(as *core.AddressSpace, base core.Address, name string) ([]uint64, error) {
	f, err := t.Field(name)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, f.Count)
	for i := range out {
		v, err := t.DecodeIndex(as, base, name, i)
		if err != nil {
			return nil, err
		}
		out[i] = uint64(v)
	}
	return out, nil
}

// Bytes returns the raw bytes spanned by a byte-aligned field.
func (t *Template) Bytes(as *core.AddressSpace, base core.Address, name string) ([]byte, error) {
	f, err := t.Field(name)
	if err != nil {
		return nil, err
	}
	if f.BitOffset != 0 || f.Bits%8 != 0 || f.Stride != int64(f.Bits/8) {
		return nil, errors.Errorf("%s.%s is not a byte array", t.name, name)
	}
	b, err := as.ReadBytes(base.Add(f.Offset), f.Count*f.Bits/8)
	if err != nil {
		return nil, errors.Wrapf(err, "%s.%s at %s", t.name, name, base)
	}
	return b, nil
}
