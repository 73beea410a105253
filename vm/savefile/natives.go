package savefile

import (
	"fmt"

	"github.com/chazu/dreamvm/vm"
)

// RegisterNatives adds the savefile global procs to reg, all backed by
// store:
//
//	savefile_write(Dir, Key, Value)
//	savefile_read(Dir, Key)    null when missing
//	savefile_keys(Dir)         a list of keys
//	savefile_remove(Dir, Key)  1 if the entry existed
func RegisterNatives(reg *vm.NativeRegistry, store *Store) {
	n := &natives{store: store}
	for _, spec := range []vm.NativeSpec{
		{Name: "savefile_write", Params: params("Dir", "Key", "Value"), Handler: n.write},
		{Name: "savefile_read", Params: params("Dir", "Key"), Handler: n.read},
		{Name: "savefile_keys", Params: params("Dir"), Handler: n.keys},
		{Name: "savefile_remove", Params: params("Dir", "Key"), Handler: n.remove},
	} {
		reg.Register("/proc/"+spec.Name, spec)
	}
}

func params(names ...string) []vm.ProcParameter {
	ps := make([]vm.ProcParameter, len(names))
	for i, name := range names {
		ps[i].Name = name
	}
	return ps
}

type natives struct {
	store *Store
}

func textArg(ctx *vm.NativeContext, name string) (string, error) {
	v := ctx.Arg(name)
	s, ok := v.TryString()
	if !ok || s == "" {
		return "", fmt.Errorf("%s must be non-empty text, got %s: %w", name, v.Kind(), vm.ErrTypeMismatch)
	}
	return s, nil
}

func entryArgs(ctx *vm.NativeContext) (dir, key string, err error) {
	if dir, err = textArg(ctx, "Dir"); err != nil {
		return "", "", err
	}
	if key, err = textArg(ctx, "Key"); err != nil {
		return "", "", err
	}
	return dir, key, nil
}

func (n *natives) write(ctx *vm.NativeContext) (vm.Value, error) {
	dir, key, err := entryArgs(ctx)
	if err != nil {
		return vm.Null, err
	}
	return vm.Null, n.store.WriteValue(NewCodec(ctx.Engine), dir, key, ctx.Arg("Value"))
}

func (n *natives) read(ctx *vm.NativeContext) (vm.Value, error) {
	dir, key, err := entryArgs(ctx)
	if err != nil {
		return vm.Null, err
	}
	v, _, err := n.store.ReadValue(NewCodec(ctx.Engine), dir, key)
	return v, err
}

func (n *natives) keys(ctx *vm.NativeContext) (vm.Value, error) {
	dir, err := textArg(ctx, "Dir")
	if err != nil {
		return vm.Null, err
	}
	keys, err := n.store.Keys(dir)
	if err != nil {
		return vm.Null, err
	}
	vals := make([]vm.Value, len(keys))
	for i, k := range keys {
		vals[i] = vm.NewString(k)
	}
	return vm.NewListValue(vm.NewListOf(vals...)), nil
}

func (n *natives) remove(ctx *vm.NativeContext) (vm.Value, error) {
	dir, key, err := entryArgs(ctx)
	if err != nil {
		return vm.Null, err
	}
	ok, err := n.store.Delete(dir, key)
	if err != nil {
		return vm.Null, err
	}
	return vm.NewBool(ok), nil
}
