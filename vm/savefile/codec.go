// Package savefile persists Values between runs: a CBOR codec for Values
// and a SQLite-backed store of encoded entries grouped by directory.
package savefile

import (
	"errors"
	"fmt"

	"github.com/chazu/dreamvm/vm"
	"github.com/fxamacker/cbor/v2"
)

// ErrCorrupt reports an entry that does not decode to a Value.
var ErrCorrupt = errors.New("savefile: corrupt entry")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("savefile: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

const (
	kindNull uint8 = iota
	kindNum
	kindString
	kindRef
	kindList
)

// record is the encoded form of one Value.
type record struct {
	Kind  uint8    `cbor:"1,keyasint"`
	Num   float64  `cbor:"2,keyasint,omitempty"`
	Str   string   `cbor:"3,keyasint,omitempty"`
	Items []record `cbor:"4,keyasint,omitempty"`
	Assoc []pair   `cbor:"5,keyasint,omitempty"`
}

type pair struct {
	_     struct{} `cbor:",toarray"`
	Key   record
	Value record
}

// Codec converts Values to and from CBOR. Objects, types, resources and
// procs are written as reference handles and resolved against the engine
// when read back; lists are written by content.
//
// Object handles index the engine's live object table, so they only mean
// something to the run that wrote them. Data from another run is read with
// UnmarshalForeign, which turns object handles into null.
type Codec struct {
	engine *vm.Engine
}

// NewCodec creates a codec bound to e.
func NewCodec(e *vm.Engine) *Codec {
	return &Codec{engine: e}
}

// Marshal encodes v.
func (c *Codec) Marshal(v vm.Value) ([]byte, error) {
	r, err := c.encode(v, make(map[vm.Container]bool))
	if err != nil {
		return nil, err
	}
	return cborEncMode.Marshal(r)
}

// Unmarshal decodes data produced by Marshal in this run.
func (c *Codec) Unmarshal(data []byte) (vm.Value, error) {
	return c.unmarshal(data, false)
}

// UnmarshalForeign decodes data produced by Marshal in another run.
// Object handles decode as null.
func (c *Codec) UnmarshalForeign(data []byte) (vm.Value, error) {
	return c.unmarshal(data, true)
}

func (c *Codec) unmarshal(data []byte, foreign bool) (vm.Value, error) {
	var r record
	if err := cbor.Unmarshal(data, &r); err != nil {
		return vm.Null, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return c.decode(r, foreign)
}

func (c *Codec) encode(v vm.Value, open map[vm.Container]bool) (record, error) {
	switch v.Kind() {
	case vm.KindNull:
		return record{Kind: kindNull}, nil
	case vm.KindFloat:
		return record{Kind: kindNum, Num: v.MustFloat()}, nil
	case vm.KindString:
		return record{Kind: kindString, Str: v.MustString()}, nil
	case vm.KindList:
		return c.encodeList(v.MustList(), open)
	}
	ref, err := c.engine.CreateRef(v)
	if err != nil {
		return record{}, fmt.Errorf("savefile: encode %s: %w", v.Kind(), err)
	}
	return record{Kind: kindRef, Str: ref}, nil
}

func (c *Codec) encodeList(l vm.Container, open map[vm.Container]bool) (record, error) {
	if open[l] {
		return record{}, fmt.Errorf("savefile: list contains itself")
	}
	open[l] = true
	defer delete(open, l)

	vals, err := l.Values()
	if err != nil {
		return record{}, fmt.Errorf("savefile: encode list: %w", err)
	}
	assoc, err := l.AssocValues()
	if err != nil {
		return record{}, fmt.Errorf("savefile: encode list: %w", err)
	}

	r := record{Kind: kindList, Items: make([]record, 0, len(vals))}
	written := make(map[vm.Value]bool, len(assoc))
	for _, v := range vals {
		item, err := c.encode(v, open)
		if err != nil {
			return record{}, err
		}
		r.Items = append(r.Items, item)

		a, ok := assoc[v]
		if !ok || written[v] {
			continue
		}
		written[v] = true
		val, err := c.encode(a, open)
		if err != nil {
			return record{}, err
		}
		r.Assoc = append(r.Assoc, pair{Key: item, Value: val})
	}
	return r, nil
}

func (c *Codec) decode(r record, foreign bool) (vm.Value, error) {
	switch r.Kind {
	case kindNull:
		return vm.Null, nil
	case kindNum:
		return vm.NewFloat(r.Num), nil
	case kindString:
		return vm.NewString(r.Str), nil
	case kindRef:
		if foreign && r.Str != "" && r.Str[0] == vm.RefObject {
			return vm.Null, nil
		}
		v, err := c.engine.LocateRef(r.Str)
		if err != nil {
			return vm.Null, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return v, nil
	case kindList:
		l := vm.NewList(0)
		for _, item := range r.Items {
			v, err := c.decode(item, foreign)
			if err != nil {
				return vm.Null, err
			}
			if err := l.Add(v); err != nil {
				return vm.Null, err
			}
		}
		for _, p := range r.Assoc {
			k, err := c.decode(p.Key, foreign)
			if err != nil {
				return vm.Null, err
			}
			if foreign && k.IsNull() {
				continue
			}
			v, err := c.decode(p.Value, foreign)
			if err != nil {
				return vm.Null, err
			}
			if err := l.Set(k, v, false); err != nil {
				return vm.Null, err
			}
		}
		return vm.NewListValue(l), nil
	}
	return vm.Null, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, r.Kind)
}
