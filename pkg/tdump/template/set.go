package template

import (
	"bytes"
	_ "embed"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Structure names used by the walkers.
const (
	PSA   = "psa"
	ASCB  = "ascb"
	ASXB  = "asxb"
	TCB   = "tcb"
	STCB  = "stcb"
	OTCB  = "otcb"
	RB    = "rb"
	XSB   = "xsb"
	LSED  = "lsed"
	LSES  = "lses"
	LSES1 = "lses1"
	CELAP = "celap"
	CAA   = "caa"
	SA    = "sa"
	F4SA  = "f4sa"
	CDE   = "cde"
	XTLST = "xtlst"
)

// A Set holds one template per structure kind.
type Set struct {
	templates map[string]*Template
}

// Get returns the template for a structure.
func (s *Set) Get(name string) (*Template, error) {
	t, ok := s.templates[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownStructure, name)
	}
	return t, nil
}

// MustGet is Get for structures known to exist, such as those of the
// default set.
func (s *Set) MustGet(name string) *Template {
	t, err := s.Get(name)
	if err != nil {
		panic(err)
	}
	return t
}

// Names returns the structure names in the set, sorted.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.templates))
	for n := range s.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new set with the structures of o laid over s. Fields
// present in both are taken from o; a non-zero size in o wins.
func (s *Set) Merge(o *Set) (*Set, error) {
	out := &Set{templates: make(map[string]*Template, len(s.templates)+len(o.templates))}
	for n, t := range s.templates {
		out.templates[n] = t
	}
	for n, ot := range o.templates {
		base, ok := out.templates[n]
		if !ok {
			out.templates[n] = ot
			continue
		}
		fields := make(map[string]Field, len(base.fields)+len(ot.fields))
		for k, f := range base.fields {
			fields[k] = f
		}
		for k, f := range ot.fields {
			fields[k] = f
		}
		size := base.size
		if ot.size != 0 {
			size = ot.size
		}
		fs := make([]Field, 0, len(fields))
		for _, f := range fields {
			fs = append(fs, f)
		}
		t, err := New(n, size, fs...)
		if err != nil {
			return nil, err
		}
		out.templates[n] = t
	}
	return out, nil
}

type schema struct {
	Structures map[string]structureSchema `yaml:"structures"`
}

type structureSchema struct {
	Size   int64                  `yaml:"size"`
	Fields map[string]fieldSchema `yaml:"fields"`
}

type fieldSchema struct {
	Offset int64 `yaml:"offset"`
	Bit    int   `yaml:"bit"`
	Bits   int   `yaml:"bits"`
	Signed bool  `yaml:"signed"`
	Count  int   `yaml:"count"`
	Stride int64 `yaml:"stride"`
}

// Load parses a YAML layout schema:
//
//	structures:
//	  tcb:
//	    size: 0x150
//	    fields:
//	      tcbrbp: {offset: 0x00, bits: 32}
//	      tcbgrs: {offset: 0x30, bits: 32, count: 16}
func Load(r io.Reader) (*Set, error) {
	var sc schema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, errors.Wrap(err, "decode layout schema")
	}
	s := &Set{templates: make(map[string]*Template, len(sc.Structures))}
	for name, st := range sc.Structures {
		fields := make([]Field, 0, len(st.Fields))
		for fname, f := range st.Fields {
			fields = append(fields, Field{
				Name:      fname,
				Offset:    f.Offset,
				BitOffset: f.Bit,
				Bits:      f.Bits,
				Signed:    f.Signed,
				Count:     f.Count,
				Stride:    f.Stride,
			})
		}
		t, err := New(name, st.Size, fields...)
		if err != nil {
			return nil, err
		}
		s.templates[name] = t
	}
	return s, nil
}

//go:embed layouts.yaml
var defaultLayouts []byte

var (
	defaultOnce sync.Once
	defaultSet  *Set
)

// Default returns the builtin layouts.
func Default() *Set {
	defaultOnce.Do(func() {
		s, err := Load(bytes.NewReader(defaultLayouts))
		if err != nil {
			panic(errors.Wrap(err, "builtin layouts"))
		}
		defaultSet = s
	})
	return defaultSet
}
