package vm

// ---------------------------------------------------------------------------
// TypeBehavior: the dispatch chain standing in for inheritance
// ---------------------------------------------------------------------------

// TypeBehavior is one node of a type's dispatch chain. Nodes are linked to
// their parent type's node; a node that wants the inherited behavior calls
// its parent explicitly, and decides itself whether that happens before or
// after its own work.
type TypeBehavior interface {
	ParentBehavior() TypeBehavior
	SetParentBehavior(parent TypeBehavior)

	// ShouldCallNew reports whether construction runs the New proc.
	ShouldCallNew() bool

	// OnObjectCreated runs after defaults are applied and before New.
	OnObjectCreated(obj *Object, args ProcArguments) error

	// OnObjectDeleted runs after the object is marked deleted.
	OnObjectDeleted(obj *Object) error

	// OnVariableSet runs before a var write becomes visible. It returns the
	// value to store and whether to store anything at all.
	OnVariableSet(obj *Object, name string, value, old Value) (Value, bool, error)

	// OnVariableGet may replace the value a var read returns.
	OnVariableGet(obj *Object, name string, value Value) (Value, error)
}

// BaseBehavior holds the parent link. Its hook methods delegate straight to
// the parent, so an embedding node only overrides the hooks it cares about.
type BaseBehavior struct {
	Parent TypeBehavior
}

func (b *BaseBehavior) ParentBehavior() TypeBehavior { return b.Parent }

func (b *BaseBehavior) SetParentBehavior(parent TypeBehavior) { b.Parent = parent }

func (b *BaseBehavior) ShouldCallNew() bool {
	if b.Parent != nil {
		return b.Parent.ShouldCallNew()
	}
	return true
}

func (b *BaseBehavior) OnObjectCreated(obj *Object, args ProcArguments) error {
	if b.Parent != nil {
		return b.Parent.OnObjectCreated(obj, args)
	}
	return nil
}

func (b *BaseBehavior) OnObjectDeleted(obj *Object) error {
	if b.Parent != nil {
		return b.Parent.OnObjectDeleted(obj)
	}
	return nil
}

func (b *BaseBehavior) OnVariableSet(obj *Object, name string, value, old Value) (Value, bool, error) {
	if b.Parent != nil {
		return b.Parent.OnVariableSet(obj, name, value, old)
	}
	return value, true, nil
}

func (b *BaseBehavior) OnVariableGet(obj *Object, name string, value Value) (Value, error) {
	if b.Parent != nil {
		return b.Parent.OnVariableGet(obj, name, value)
	}
	return value, nil
}
