package vm

// SpatialIndex is the map/tile collaborator: it owns the flat table of
// every placed atom. The engine registers atoms on creation and removes
// them on deletion; WorldContentsList projects over it.
type SpatialIndex interface {
	AddAtom(atom *Object)
	RemoveAtom(atom *Object)
	AtomCount() int

	// AtomAt returns the atom at a 0-based position in the flat table.
	AtomAt(i int) (*Object, bool)

	// Update runs the index's per-tick work.
	Update(tick int)
}

// AtomList is the default SpatialIndex: an unordered flat list with
// constant-time removal.
type AtomList struct {
	atoms []*Object
	pos   map[*Object]int
}

// NewAtomList creates an empty atom list.
func NewAtomList() *AtomList {
	return &AtomList{pos: make(map[*Object]int)}
}

// AddAtom implements SpatialIndex.
func (l *AtomList) AddAtom(atom *Object) {
	if _, ok := l.pos[atom]; ok {
		return
	}
	l.pos[atom] = len(l.atoms)
	l.atoms = append(l.atoms, atom)
}

// RemoveAtom implements SpatialIndex. The last atom takes the removed
// atom's position.
func (l *AtomList) RemoveAtom(atom *Object) {
	i, ok := l.pos[atom]
	if !ok {
		return
	}
	last := len(l.atoms) - 1
	if i != last {
		l.atoms[i] = l.atoms[last]
		l.pos[l.atoms[i]] = i
	}
	l.atoms[last] = nil
	l.atoms = l.atoms[:last]
	delete(l.pos, atom)
}

// AtomCount implements SpatialIndex.
func (l *AtomList) AtomCount() int { return len(l.atoms) }

// AtomAt implements SpatialIndex.
func (l *AtomList) AtomAt(i int) (*Object, bool) {
	if i < 0 || i >= len(l.atoms) {
		return nil, false
	}
	return l.atoms[i], true
}

// Update implements SpatialIndex.
func (l *AtomList) Update(int) {}

// Contains reports whether atom is registered.
func (l *AtomList) Contains(atom *Object) bool {
	_, ok := l.pos[atom]
	return ok
}
