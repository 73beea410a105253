package vm

import (
	"fmt"
	"strconv"
)

// Reference handle kind digits. A handle is the digit followed by a payload:
// a decimal index for objects, strings, types and procs, or a path for
// resources.
const (
	RefNull     = '0'
	RefObject   = '1'
	RefString   = '2'
	RefType     = '3'
	RefResource = '4'
	RefProc     = '5'
)

// ---------------------------------------------------------------------------
// ReferenceRegistry: Value <-> stable textual handle
// ---------------------------------------------------------------------------

// ReferenceRegistry hands out stable handles for identity-bearing values.
// Object and list indices come from an append-only table: once handed out
// an index keeps denoting the same slot for the life of the engine, and a
// deleted object's slot is cleared rather than reused.
type ReferenceRegistry struct {
	slots []any // *Object or Container; nil once deleted
	index map[any]int

	tree      *ObjectTree
	resources *ResourceCache
	tags      *TagIndex
}

// NewReferenceRegistry creates a registry over the given program tables.
func NewReferenceRegistry(tree *ObjectTree, resources *ResourceCache, tags *TagIndex) *ReferenceRegistry {
	return &ReferenceRegistry{
		index:     make(map[any]int),
		tree:      tree,
		resources: resources,
		tags:      tags,
	}
}

// Len returns the number of object slots ever handed out.
func (r *ReferenceRegistry) Len() int { return len(r.slots) }

func (r *ReferenceRegistry) slotFor(x any) int {
	if i, ok := r.index[x]; ok {
		return i
	}
	i := len(r.slots)
	r.slots = append(r.slots, x)
	r.index[x] = i
	return i
}

// forget clears obj's slot. Its index is never handed out again.
func (r *ReferenceRegistry) forget(x any) {
	if i, ok := r.index[x]; ok {
		r.slots[i] = nil
		delete(r.index, x)
	}
}

// Create returns the handle for v.
func (r *ReferenceRegistry) Create(v Value) (string, error) {
	switch v.Kind() {
	case KindNull:
		return string(RefNull) + "0", nil
	case KindObject:
		obj, _ := v.TryObject()
		if obj.Deleted() {
			return "", fmt.Errorf("create reference to %s: %w", obj.Definition.Type, ErrUseAfterDelete)
		}
		return string(RefObject) + strconv.Itoa(r.slotFor(obj)), nil
	case KindList:
		l, _ := v.TryList()
		return string(RefObject) + strconv.Itoa(r.slotFor(l)), nil
	case KindString:
		s, _ := v.TryString()
		return string(RefString) + strconv.Itoa(r.tree.Strings.Intern(s)), nil
	case KindType:
		def, _ := v.TryType()
		return string(RefType) + strconv.Itoa(def.ID), nil
	case KindResource:
		res, _ := v.TryResource()
		return string(RefResource) + res.Path, nil
	case KindProc:
		p, _ := v.TryProc()
		return string(RefProc) + strconv.Itoa(p.ID()), nil
	}
	return "", fmt.Errorf("cannot create a reference to a %s: %w", v.Kind(), ErrTypeMismatch)
}

// Locate resolves a handle. Stale or out-of-range indices resolve to Null;
// malformed handles are an error. A handle that is not numeric is looked up
// as a tag: one that does not start with a digit resolves to Null when no
// object carries it, one that does (such as "1st_door") is an error.
func (r *ReferenceRegistry) Locate(ref string) (Value, error) {
	if ref == "" {
		return Null, fmt.Errorf("empty reference: %w", ErrInvalidReference)
	}
	kind := ref[0]
	if kind < '0' || kind > '9' {
		if kind == '-' || kind == '+' {
			return Null, fmt.Errorf("reference %q: %w", ref, ErrInvalidReference)
		}
		if obj := r.tags.First(ref); obj != nil {
			return NewObjectValue(obj), nil
		}
		return Null, nil
	}

	payload := ref[1:]
	if kind == RefResource {
		if payload == "" {
			return Null, fmt.Errorf("reference %q has no resource path: %w", ref, ErrInvalidReference)
		}
		res, err := r.resources.Load(payload)
		if err != nil {
			return Null, err
		}
		return NewResourceValue(res), nil
	}

	if payload == "" {
		return Null, fmt.Errorf("reference %q has no index: %w", ref, ErrInvalidReference)
	}
	idx, err := parseIndex(payload)
	if err != nil {
		if obj := r.tags.First(ref); obj != nil {
			return NewObjectValue(obj), nil
		}
		return Null, fmt.Errorf("reference %q: %w", ref, ErrInvalidReference)
	}

	switch kind {
	case RefNull:
		return Null, nil
	case RefObject:
		if idx >= len(r.slots) {
			return Null, nil
		}
		switch x := r.slots[idx].(type) {
		case *Object:
			return NewObjectValue(x), nil
		case Container:
			return NewListValue(x), nil
		}
		return Null, nil
	case RefString:
		if s, ok := r.tree.Strings.Get(idx); ok {
			return NewString(s), nil
		}
		return Null, nil
	case RefType:
		if def, ok := r.tree.TypeByID(idx); ok {
			return NewTypeValue(def), nil
		}
		return Null, nil
	case RefProc:
		if p, ok := r.tree.ProcByID(idx); ok {
			return NewProcValue(p), nil
		}
		return Null, nil
	}
	return Null, fmt.Errorf("reference %q has unknown kind %q: %w", ref, kind, ErrInvalidReference)
}

// parseIndex accepts only unsigned decimal digits.
func parseIndex(s string) (int, error) {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// ---------------------------------------------------------------------------
// TagIndex
// ---------------------------------------------------------------------------

// TagIndex maps tag strings to the live objects carrying them, in the order
// the tags were assigned.
type TagIndex struct {
	byTag map[string][]*Object
}

// NewTagIndex creates an empty index.
func NewTagIndex() *TagIndex {
	return &TagIndex{byTag: make(map[string][]*Object)}
}

// Add records obj under tag.
func (t *TagIndex) Add(tag string, obj *Object) {
	if tag == "" {
		return
	}
	t.byTag[tag] = append(t.byTag[tag], obj)
}

// Remove drops obj from tag.
func (t *TagIndex) Remove(tag string, obj *Object) {
	objs := t.byTag[tag]
	for i, o := range objs {
		if o == obj {
			objs = append(objs[:i], objs[i+1:]...)
			break
		}
	}
	if len(objs) == 0 {
		delete(t.byTag, tag)
		return
	}
	t.byTag[tag] = objs
}

// First returns the earliest object tagged tag, or nil.
func (t *TagIndex) First(tag string) *Object {
	if objs := t.byTag[tag]; len(objs) > 0 {
		return objs[0]
	}
	return nil
}

// Count returns how many objects carry tag.
func (t *TagIndex) Count(tag string) int { return len(t.byTag[tag]) }
