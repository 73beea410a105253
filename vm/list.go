package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Container: the list contract shared by owning lists and live views
// ---------------------------------------------------------------------------

// ContainerKind tags the small closed set of list variants.
type ContainerKind uint8

const (
	ContainerOwning ContainerKind = iota
	ContainerVars
	ContainerGlobalVars
	ContainerFilters
	ContainerWorldContents
)

// Container is the hybrid ordered/associative list contract.
//
// Integer keys address the ordered sequence (1-based); any other key
// addresses the associative overlay. Callers never need to know which
// variant they hold.
type Container interface {
	Kind() ContainerKind
	Get(key Value) (Value, error)
	Set(key, value Value, allowGrowth bool) error
	Add(value Value) error
	Remove(value Value) (bool, error)
	Contains(value Value) bool
	ContainsKey(key Value) bool
	Len() int
	Find(value Value, start, end int) (int, error)
	Copy(start, end int) (*List, error)
	Cut(start, end int) error
	Insert(index int, value Value) error
	Swap(i, j int) error
	Resize(n int) error
	Union(other Container) (*List, error)
	Values() ([]Value, error)
	AssocValues() (map[Value]Value, error)
	IsAssociative() bool
}

// ListObserver receives mutation notifications from an owning List.
// Notifications run synchronously; OnBeforeValueRemoved sees the list
// before the element is gone.
type ListObserver interface {
	OnValueAssigned(l *List, key, value Value)
	OnBeforeValueRemoved(l *List, key, value Value)
}

// ---------------------------------------------------------------------------
// List: the owning variant
// ---------------------------------------------------------------------------

// List owns an ordered sequence and a lazily created associative overlay.
type List struct {
	values    []Value
	assoc     map[Value]Value
	observers []ListObserver
}

// NewList creates an empty list with room for size values.
func NewList(size int) *List {
	return &List{values: make([]Value, 0, size)}
}

// NewListOf creates a list holding values in order.
func NewListOf(values ...Value) *List {
	l := NewList(len(values))
	l.values = append(l.values, values...)
	return l
}

// NewStringList creates a list of text values.
func NewStringList(strs []string) *List {
	l := NewList(len(strs))
	for _, s := range strs {
		l.values = append(l.values, NewString(s))
	}
	return l
}

// Observe registers o for mutation notifications.
func (l *List) Observe(o ListObserver) {
	l.observers = append(l.observers, o)
}

// Unobserve removes o from the observer set.
func (l *List) Unobserve(o ListObserver) {
	for i, existing := range l.observers {
		if existing == o {
			l.observers = append(l.observers[:i], l.observers[i+1:]...)
			return
		}
	}
}

func (l *List) valueAssigned(key, value Value) {
	for _, o := range l.observers {
		o.OnValueAssigned(l, key, value)
	}
}

func (l *List) beforeValueRemoved(key, value Value) {
	for _, o := range l.observers {
		o.OnBeforeValueRemoved(l, key, value)
	}
}

// Kind implements Container.
func (l *List) Kind() ContainerKind { return ContainerOwning }

// IsAssociative reports whether any association has been stored.
func (l *List) IsAssociative() bool {
	return len(l.assoc) > 0
}

// Len returns the length of the ordered sequence.
func (l *List) Len() int {
	return len(l.values)
}

// Get returns values[key] for numeric keys, the association otherwise.
// A missing association is Null.
func (l *List) Get(key Value) (Value, error) {
	if i, ok := key.TryInteger(); ok {
		if i < 1 || i > len(l.values) {
			return Null, fmt.Errorf("index %d on list of length %d: %w", i, len(l.values), ErrOutOfBounds)
		}
		return l.values[i-1], nil
	}
	if l.assoc == nil {
		return Null, nil
	}
	return l.assoc[key], nil
}

// Set stores value at key. A numeric key one past the end grows the list
// only when allowGrowth is set. A non-numeric key is appended to the
// sequence if absent and associated with value.
func (l *List) Set(key, value Value, allowGrowth bool) error {
	if i, ok := key.TryInteger(); ok {
		switch {
		case allowGrowth && i == len(l.values)+1:
			l.values = append(l.values, value)
		case i < 1 || i > len(l.values):
			return fmt.Errorf("index %d on list of length %d: %w", i, len(l.values), ErrOutOfBounds)
		default:
			l.values[i-1] = value
		}
	} else {
		if !l.Contains(key) {
			l.values = append(l.values, key)
		}
		if l.assoc == nil {
			l.assoc = make(map[Value]Value, 1)
		}
		l.assoc[key] = value
	}
	l.valueAssigned(key, value)
	return nil
}

// Add appends value.
func (l *List) Add(value Value) error {
	l.values = append(l.values, value)
	l.valueAssigned(NewInt(len(l.values)), value)
	return nil
}

// Remove deletes the last occurrence of value and reports whether one was found.
func (l *List) Remove(value Value) (bool, error) {
	idx := -1
	for i := len(l.values) - 1; i >= 0; i-- {
		if l.values[i] == value {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}
	l.beforeValueRemoved(NewInt(idx+1), l.values[idx])
	l.values = append(l.values[:idx], l.values[idx+1:]...)
	l.dropOrphanedKeys([]Value{value})
	return true, nil
}

// Contains reports whether value is in the ordered sequence.
func (l *List) Contains(value Value) bool {
	for _, v := range l.values {
		if v == value {
			return true
		}
	}
	return false
}

// ContainsKey reports whether key has an association.
func (l *List) ContainsKey(key Value) bool {
	if l.assoc == nil {
		return false
	}
	_, ok := l.assoc[key]
	return ok
}

// Find returns the 1-based index of the first occurrence of value in the
// half-open range [start, end), or 0. An end of 0 means the end of the list.
func (l *List) Find(value Value, start, end int) (int, error) {
	start, end, err := l.normalizeRange(start, end)
	if err != nil {
		return 0, err
	}
	for i := start; i < end; i++ {
		if l.values[i-1] == value {
			return i, nil
		}
	}
	return 0, nil
}

// Copy returns a new list holding [start, end) and the associations of
// the copied keys.
func (l *List) Copy(start, end int) (*List, error) {
	start, end, err := l.normalizeRange(start, end)
	if err != nil {
		return nil, err
	}
	c := NewList(end - start)
	for i := start; i < end; i++ {
		v := l.values[i-1]
		c.values = append(c.values, v)
		if assoc, ok := l.assoc[v]; ok {
			if c.assoc == nil {
				c.assoc = make(map[Value]Value)
			}
			c.assoc[v] = assoc
		}
	}
	return c, nil
}

// Cut removes [start, end). Observers are told about each removed element
// in descending index order before anything is removed.
func (l *List) Cut(start, end int) error {
	start, end, err := l.normalizeRange(start, end)
	if err != nil {
		return err
	}
	if start == end {
		return nil
	}
	if len(l.observers) > 0 {
		for i := end - 1; i >= start; i-- {
			l.beforeValueRemoved(NewInt(i), l.values[i-1])
		}
	}
	removed := make([]Value, end-start)
	copy(removed, l.values[start-1:end-1])
	l.values = append(l.values[:start-1], l.values[end-1:]...)
	l.dropOrphanedKeys(removed)
	return nil
}

// Insert places value before index; index Len()+1 appends.
func (l *List) Insert(index int, value Value) error {
	if index < 1 || index > len(l.values)+1 {
		return fmt.Errorf("insert at %d on list of length %d: %w", index, len(l.values), ErrOutOfBounds)
	}
	l.values = append(l.values, Null)
	copy(l.values[index:], l.values[index-1:])
	l.values[index-1] = value
	l.valueAssigned(NewInt(index), value)
	return nil
}

// Swap exchanges two elements.
func (l *List) Swap(i, j int) error {
	a, err := l.Get(NewInt(i))
	if err != nil {
		return err
	}
	b, err := l.Get(NewInt(j))
	if err != nil {
		return err
	}
	if err := l.Set(NewInt(i), b, false); err != nil {
		return err
	}
	return l.Set(NewInt(j), a, false)
}

// Resize grows the list with nulls or cuts it down to n elements.
func (l *List) Resize(n int) error {
	if n < 0 {
		return fmt.Errorf("resize to %d: %w", n, ErrOutOfBounds)
	}
	if n > len(l.values) {
		for len(l.values) < n {
			if err := l.Add(Null); err != nil {
				return err
			}
		}
		return nil
	}
	return l.Cut(n+1, 0)
}

// Union returns a new list: l's distinct values in order followed by
// other's values not already present, with both overlays merged and
// other's associations winning.
func (l *List) Union(other Container) (*List, error) {
	return unionOf(l, other)
}

// Values returns a copy of the ordered sequence.
func (l *List) Values() ([]Value, error) {
	out := make([]Value, len(l.values))
	copy(out, l.values)
	return out, nil
}

// AssocValues returns a copy of the associative overlay.
func (l *List) AssocValues() (map[Value]Value, error) {
	out := make(map[Value]Value, len(l.assoc))
	for k, v := range l.assoc {
		out[k] = v
	}
	return out, nil
}

// Join concatenates the text form of [start, end) separated by glue.
func (l *List) Join(glue string, start, end int) (string, error) {
	start, end, err := l.normalizeRange(start, end)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for i := start; i < end; i++ {
		if i > start {
			b.WriteString(glue)
		}
		b.WriteString(l.values[i-1].Stringify())
	}
	return b.String(), nil
}

func (l *List) String() string {
	assoc := ""
	if l.IsAssociative() {
		assoc = ", assoc"
	}
	return fmt.Sprintf("/list{len=%d%s}", len(l.values), assoc)
}

// clone copies values and associations without observers.
func (l *List) clone() *List {
	c, _ := l.Copy(1, 0)
	return c
}

// normalizeRange resolves the [start, end) defaults: start 0 means 1, end 0
// or past the end means Len()+1.
func (l *List) normalizeRange(start, end int) (int, int, error) {
	n := len(l.values)
	if start == 0 {
		start = 1
	}
	if end == 0 || end > n+1 {
		end = n + 1
	}
	if start < 1 || start > end {
		return 0, 0, fmt.Errorf("range [%d, %d) on list of length %d: %w", start, end, n, ErrOutOfBounds)
	}
	return start, end, nil
}

// dropOrphanedKeys removes associations whose key no longer appears in
// the ordered sequence.
func (l *List) dropOrphanedKeys(removed []Value) {
	if len(l.assoc) == 0 {
		return
	}
	for _, k := range removed {
		if _, ok := l.assoc[k]; ok && !l.Contains(k) {
			delete(l.assoc, k)
		}
	}
}

// ---------------------------------------------------------------------------
// Generic helpers over the Container contract
// ---------------------------------------------------------------------------

func unionOf(a, b Container) (*List, error) {
	av, err := a.Values()
	if err != nil {
		return nil, err
	}
	bv, err := b.Values()
	if err != nil {
		return nil, err
	}
	out := NewList(len(av) + len(bv))
	seen := make(map[Value]struct{}, len(av)+len(bv))
	for _, vals := range [][]Value{av, bv} {
		for _, v := range vals {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out.values = append(out.values, v)
		}
	}
	for _, src := range []Container{a, b} {
		assoc, err := src.AssocValues()
		if err != nil {
			return nil, err
		}
		for k, v := range assoc {
			if out.assoc == nil {
				out.assoc = make(map[Value]Value, len(assoc))
			}
			out.assoc[k] = v
		}
	}
	return out, nil
}

// findIn implements Find over a view that can enumerate its values.
func findIn(c Container, value Value, start, end int) (int, error) {
	vals, err := c.Values()
	if err != nil {
		return 0, err
	}
	return NewListOf(vals...).Find(value, start, end)
}

// copyOf implements Copy over a keyed view: each copied key carries the
// value the view maps it to.
func copyOf(c Container, start, end int) (*List, error) {
	vals, err := c.Values()
	if err != nil {
		return nil, err
	}
	keys, err := NewListOf(vals...).Copy(start, end)
	if err != nil {
		return nil, err
	}
	if !c.IsAssociative() {
		return keys, nil
	}
	for _, k := range keys.values {
		v, err := c.Get(k)
		if err != nil {
			return nil, err
		}
		if keys.assoc == nil {
			keys.assoc = make(map[Value]Value, len(keys.values))
		}
		keys.assoc[k] = v
	}
	return keys, nil
}
