package vm

import (
	"math"
	"strconv"
)

// ValueKind discriminates the payload carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindFloat
	KindString
	KindObject
	KindType
	KindList
	KindResource
	KindProc
)

var kindNames = [...]string{"null", "num", "text", "object", "type", "list", "resource", "proc"}

func (k ValueKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is an immutable tagged union holding any runtime-visible datum.
//
// Values are plain comparable Go values: two Values are == when they hold the
// same number, the same text, or the same identity (object, type, list,
// resource, proc). This makes Value usable directly as a map key for the
// associative half of a list.
//
// Payload layout:
//   - Float:  num
//   - String: str
//   - Object, Type, List, Resource, Proc: ref (always a pointer)
type Value struct {
	kind ValueKind
	num  float64
	str  string
	ref  any
}

// Null is the null value.
var Null = Value{}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// NewFloat creates a numeric value.
func NewFloat(f float64) Value {
	return Value{kind: KindFloat, num: f}
}

// NewInt creates a numeric value from an integer.
func NewInt(n int) Value {
	return Value{kind: KindFloat, num: float64(n)}
}

// NewBool creates 1 or 0.
func NewBool(b bool) Value {
	if b {
		return NewInt(1)
	}
	return NewInt(0)
}

// NewString creates a text value.
func NewString(s string) Value {
	return Value{kind: KindString, str: s}
}

// NewObjectValue wraps an object. A nil object yields Null.
func NewObjectValue(obj *Object) Value {
	if obj == nil {
		return Null
	}
	return Value{kind: KindObject, ref: obj}
}

// NewTypeValue wraps a type definition. A nil definition yields Null.
func NewTypeValue(def *ObjectDefinition) Value {
	if def == nil {
		return Null
	}
	return Value{kind: KindType, ref: def}
}

// NewListValue wraps a container. A nil container yields Null.
func NewListValue(c Container) Value {
	if c == nil {
		return Null
	}
	return Value{kind: KindList, ref: c}
}

// NewResourceValue wraps a resource. A nil resource yields Null.
func NewResourceValue(r *Resource) Value {
	if r == nil {
		return Null
	}
	return Value{kind: KindResource, ref: r}
}

// NewProcValue wraps a proc. A nil proc yields Null.
func NewProcValue(p Proc) Value {
	if p == nil {
		return Null
	}
	return Value{kind: KindProc, ref: p}
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Kind returns the value's discriminant.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull returns true if v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Truthy reports whether v counts as true in a conditional.
// Null, 0 and the empty string are false; everything else is true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindFloat:
		return v.num != 0
	case KindString:
		return v.str != ""
	default:
		return true
	}
}

// Equal reports whether two values are the same datum: structural for
// null, numbers and text, identity for everything else.
func (v Value) Equal(other Value) bool {
	return v == other
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// TryFloat returns the numeric payload.
func (v Value) TryFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.num, true
}

// TryInteger returns the numeric payload truncated toward zero.
func (v Value) TryInteger() (int, bool) {
	if v.kind != KindFloat || math.IsNaN(v.num) {
		return 0, false
	}
	return int(v.num), true
}

// TryString returns the text payload.
func (v Value) TryString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// TryObject returns the object payload.
func (v Value) TryObject() (*Object, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.ref.(*Object), true
}

// TryType returns the type payload.
func (v Value) TryType() (*ObjectDefinition, bool) {
	if v.kind != KindType {
		return nil, false
	}
	return v.ref.(*ObjectDefinition), true
}

// TryList returns the container payload.
func (v Value) TryList() (Container, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.ref.(Container), true
}

// TryResource returns the resource payload.
func (v Value) TryResource() (*Resource, bool) {
	if v.kind != KindResource {
		return nil, false
	}
	return v.ref.(*Resource), true
}

// TryProc returns the proc payload.
func (v Value) TryProc() (Proc, bool) {
	if v.kind != KindProc {
		return nil, false
	}
	return v.ref.(Proc), true
}

// MustFloat returns the numeric payload.
// Panics if v is not a number.
func (v Value) MustFloat() float64 {
	if v.kind != KindFloat {
		panic("Value.MustFloat: not a number")
	}
	return v.num
}

// MustString returns the text payload.
// Panics if v is not text.
func (v Value) MustString() string {
	if v.kind != KindString {
		panic("Value.MustString: not text")
	}
	return v.str
}

// MustObject returns the object payload.
// Panics if v is not an object.
func (v Value) MustObject() *Object {
	if v.kind != KindObject {
		panic("Value.MustObject: not an object")
	}
	return v.ref.(*Object)
}

// MustList returns the container payload.
// Panics if v is not a list.
func (v Value) MustList() Container {
	if v.kind != KindList {
		panic("Value.MustList: not a list")
	}
	return v.ref.(Container)
}

// ---------------------------------------------------------------------------
// Text conversion
// ---------------------------------------------------------------------------

// Stringify converts v to text the way string interpolation does: null is
// empty, numbers use the shortest exact form, objects use their name var.
func (v Value) Stringify() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindFloat:
		return formatNumber(v.num)
	case KindString:
		return v.str
	case KindObject:
		obj := v.ref.(*Object)
		if name, ok := obj.rawVariable("name"); ok {
			if s, ok := name.TryString(); ok {
				return s
			}
		}
		return obj.Definition.Type
	case KindType:
		return v.ref.(*ObjectDefinition).Type
	case KindList:
		return "/list"
	case KindResource:
		return v.ref.(*Resource).Path
	case KindProc:
		p := v.ref.(Proc)
		return procPath(p)
	}
	return ""
}

// String returns a debug representation of v.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.str)
	case KindList:
		if l, ok := v.ref.(*List); ok {
			return l.String()
		}
		return "/list{view}"
	case KindResource:
		return "'" + v.ref.(*Resource).Path + "'"
	default:
		return v.Stringify()
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 6, 64)
}
