package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
)

// RegisterBuiltins adds the engine's built-in natives to reg: the /list
// procs and the global procs.
func RegisterBuiltins(reg *NativeRegistry) {
	for _, spec := range listNatives {
		reg.Register(PathList+"/proc/"+spec.Name, spec)
	}
	for _, spec := range globalNatives {
		reg.Register("/proc/"+spec.Name, spec)
	}
}

func param(name string) ProcParameter { return ProcParameter{Name: name} }

func paramDefault(name string, def Value) ProcParameter {
	return ProcParameter{Name: name, Default: def}
}

// intArg reads an integer argument, treating null as def.
func intArg(ctx *NativeContext, name string, def int) (int, error) {
	v := ctx.Arg(name)
	if v.IsNull() {
		return def, nil
	}
	n, ok := v.TryInteger()
	if !ok {
		return 0, fmt.Errorf("%s must be a number, got %s: %w", name, v.Kind(), ErrTypeMismatch)
	}
	return n, nil
}

func rangeArgs(ctx *NativeContext) (int, int, error) {
	start, err := intArg(ctx, "Start", 1)
	if err != nil {
		return 0, 0, err
	}
	end, err := intArg(ctx, "End", 0)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// ---------------------------------------------------------------------------
// /list procs
// ---------------------------------------------------------------------------

var listNatives = []NativeSpec{
	{Name: "Add", Handler: listAdd},
	{Name: "Remove", Handler: listRemove},
	{Name: "Find", Params: []ProcParameter{param("Elem"), paramDefault("Start", NewInt(1)), paramDefault("End", NewInt(0))}, Handler: listFind},
	{Name: "Cut", Params: []ProcParameter{paramDefault("Start", NewInt(1)), paramDefault("End", NewInt(0))}, Handler: listCut},
	{Name: "Copy", Params: []ProcParameter{paramDefault("Start", NewInt(1)), paramDefault("End", NewInt(0))}, Handler: listCopy},
	{Name: "Insert", Params: []ProcParameter{param("Index")}, Handler: listInsert},
	{Name: "Swap", Params: []ProcParameter{param("Index1"), param("Index2")}, Handler: listSwap},
	{Name: "Join", Params: []ProcParameter{param("Glue"), paramDefault("Start", NewInt(1)), paramDefault("End", NewInt(0))}, Handler: listJoin},
}

// spread expands list arguments into their elements.
func spread(args []Value) ([]Value, error) {
	var out []Value
	for _, a := range args {
		if l, ok := a.TryList(); ok {
			vals, err := l.Values()
			if err != nil {
				return nil, err
			}
			out = append(out, vals...)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func listAdd(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	items, err := spread(ctx.Args.Ordered)
	if err != nil {
		return Null, err
	}
	for _, v := range items {
		if err := l.Add(v); err != nil {
			return Null, err
		}
	}
	return Null, nil
}

// listRemove returns 1 if anything was removed.
func listRemove(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	items, err := spread(ctx.Args.Ordered)
	if err != nil {
		return Null, err
	}
	removed := false
	for _, v := range items {
		ok, err := l.Remove(v)
		if err != nil {
			return Null, err
		}
		removed = removed || ok
	}
	return NewBool(removed), nil
}

func listFind(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	start, end, err := rangeArgs(ctx)
	if err != nil {
		return Null, err
	}
	i, err := l.Find(ctx.Arg("Elem"), start, end)
	if err != nil {
		return Null, err
	}
	return NewInt(i), nil
}

func listCut(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	start, end, err := rangeArgs(ctx)
	if err != nil {
		return Null, err
	}
	return Null, l.Cut(start, end)
}

func listCopy(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	start, end, err := rangeArgs(ctx)
	if err != nil {
		return Null, err
	}
	c, err := l.Copy(start, end)
	if err != nil {
		return Null, err
	}
	return NewListValue(c), nil
}

// listInsert inserts every argument after Index, in order, and returns the
// index following the last inserted item.
func listInsert(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	index, err := intArg(ctx, "Index", 0)
	if err != nil {
		return Null, err
	}
	if index == 0 {
		index = l.Len() + 1
	}
	var rest []Value
	if len(ctx.Args.Ordered) > 1 {
		rest = ctx.Args.Ordered[1:]
	}
	items, err := spread(rest)
	if err != nil {
		return Null, err
	}
	for _, v := range items {
		if err := l.Insert(index, v); err != nil {
			return Null, err
		}
		index++
	}
	return NewInt(index), nil
}

func listSwap(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	i, err := intArg(ctx, "Index1", 0)
	if err != nil {
		return Null, err
	}
	j, err := intArg(ctx, "Index2", 0)
	if err != nil {
		return Null, err
	}
	return Null, l.Swap(i, j)
}

func listJoin(ctx *NativeContext) (Value, error) {
	l, err := ctx.SrcList()
	if err != nil {
		return Null, err
	}
	start, end, err := rangeArgs(ctx)
	if err != nil {
		return Null, err
	}
	owned, ok := l.(*List)
	if !ok {
		vals, err := l.Values()
		if err != nil {
			return Null, err
		}
		owned = NewListOf(vals...)
	}
	s, err := owned.Join(ctx.Arg("Glue").Stringify(), start, end)
	if err != nil {
		return Null, err
	}
	return NewString(s), nil
}

// ---------------------------------------------------------------------------
// Global procs
// ---------------------------------------------------------------------------

var globalNatives = []NativeSpec{
	{Name: "ref", Params: []ProcParameter{param("Object")}, Handler: nativeRef},
	{Name: "locate", Params: []ProcParameter{param("Ref")}, Handler: nativeLocate},
	{Name: "isnull", Params: []ProcParameter{param("Val")}, Handler: nativeIsNull},
	{Name: "length", Params: []ProcParameter{param("E")}, Handler: nativeLength},
	{Name: "abs", Params: []ProcParameter{param("A")}, Handler: nativeAbs},
	{Name: "max", Handler: nativeMax},
	{Name: "min", Handler: nativeMin},
	{Name: "text2num", Params: []ProcParameter{param("T"), paramDefault("radix", NewInt(10))}, Handler: nativeText2Num},
	{Name: "num2text", Params: []ProcParameter{param("N"), paramDefault("Digits", NewInt(6))}, Handler: nativeNum2Text},
	{Name: "istype", Params: []ProcParameter{param("Val"), param("Type")}, Handler: nativeIsType},
	{Name: "world_log", Params: []ProcParameter{param("Text"), paramDefault("Level", NewString("info"))}, Handler: nativeWorldLog},
	{Name: "filter", Handler: nativeFilter},
}

func nativeRef(ctx *NativeContext) (Value, error) {
	ref, err := ctx.Engine.CreateRef(ctx.Arg("Object"))
	if err != nil {
		return Null, err
	}
	return NewString("[0x" + ref + "]"), nil
}

// nativeLocate accepts a handle (with or without the "[0x...]" wrapper),
// a tag, or a type, which finds the first atom of that type in the world.
func nativeLocate(ctx *NativeContext) (Value, error) {
	arg := ctx.Arg("Ref")
	if def, ok := arg.TryType(); ok {
		n := ctx.Engine.Spatial.AtomCount()
		for i := 0; i < n; i++ {
			if atom, ok := ctx.Engine.Spatial.AtomAt(i); ok && atom.IsSubtypeOf(def) {
				return NewObjectValue(atom), nil
			}
		}
		return Null, nil
	}
	s, ok := arg.TryString()
	if !ok {
		return Null, fmt.Errorf("locate: expected a reference or type, got %s: %w", arg.Kind(), ErrTypeMismatch)
	}
	if strings.HasPrefix(s, "[0x") && strings.HasSuffix(s, "]") {
		s = s[3 : len(s)-1]
	}
	return ctx.Engine.LocateRef(s)
}

func nativeIsNull(ctx *NativeContext) (Value, error) {
	return NewBool(ctx.Arg("Val").IsNull()), nil
}

func nativeLength(ctx *NativeContext) (Value, error) {
	v := ctx.Arg("E")
	if s, ok := v.TryString(); ok {
		return NewInt(len(s)), nil
	}
	if l, ok := v.TryList(); ok {
		return NewInt(l.Len()), nil
	}
	return NewInt(0), nil
}

func nativeAbs(ctx *NativeContext) (Value, error) {
	f, err := toNumber(ctx.Arg("A"))
	if err != nil {
		return Null, fmt.Errorf("abs: %w", err)
	}
	return NewFloat(math.Abs(f)), nil
}

func nativeMax(ctx *NativeContext) (Value, error) { return extremum(ctx, "max", OpGt) }
func nativeMin(ctx *NativeContext) (Value, error) { return extremum(ctx, "min", OpLt) }

// extremum picks the greatest (OpGt) or least (OpLt) argument. A single
// list argument is searched instead.
func extremum(ctx *NativeContext, name string, op Opcode) (Value, error) {
	items := ctx.Args.Ordered
	if len(items) == 1 {
		if l, ok := items[0].TryList(); ok {
			vals, err := l.Values()
			if err != nil {
				return Null, err
			}
			items = vals
		}
	}
	if len(items) == 0 {
		return Null, nil
	}
	best := items[0]
	for _, v := range items[1:] {
		better, err := compare(op, v, best)
		if err != nil {
			return Null, fmt.Errorf("%s: %w", name, err)
		}
		if better.Truthy() {
			best = v
		}
	}
	return best, nil
}

// nativeText2Num returns null for text that is not a number.
func nativeText2Num(ctx *NativeContext) (Value, error) {
	v := ctx.Arg("T")
	if v.Kind() == KindFloat {
		return v, nil
	}
	s, ok := v.TryString()
	if !ok {
		return Null, nil
	}
	s = strings.TrimSpace(s)
	radix, err := intArg(ctx, "radix", 10)
	if err != nil {
		return Null, err
	}
	if radix != 10 {
		if radix < 2 || radix > 36 {
			return Null, fmt.Errorf("text2num: radix %d: %w", radix, ErrOutOfBounds)
		}
		n, err := strconv.ParseInt(s, radix, 64)
		if err != nil {
			return Null, nil
		}
		return NewFloat(float64(n)), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Null, nil
	}
	return NewFloat(f), nil
}

func nativeNum2Text(ctx *NativeContext) (Value, error) {
	v := ctx.Arg("N")
	f, ok := v.TryFloat()
	if !ok {
		return NewString(v.Stringify()), nil
	}
	digits, err := intArg(ctx, "Digits", 6)
	if err != nil {
		return Null, err
	}
	if f == math.Trunc(f) && math.Abs(f) < math.Pow(10, float64(digits)) {
		return NewString(strconv.FormatInt(int64(f), 10)), nil
	}
	return NewString(strconv.FormatFloat(f, 'g', digits, 64)), nil
}

func nativeIsType(ctx *NativeContext) (Value, error) {
	v, t := ctx.Arg("Val"), ctx.Arg("Type")
	if t.IsNull() {
		// Without a type any object or list matches.
		return NewBool(v.Kind() == KindObject || v.Kind() == KindList), nil
	}
	def, ok := t.TryType()
	if !ok {
		if obj, isObj := t.TryObject(); isObj {
			def = obj.Definition
		} else {
			return Null, fmt.Errorf("istype: %s is not a type: %w", t, ErrTypeMismatch)
		}
	}
	return NewBool(isType(v, def)), nil
}

var worldLogLevels = map[string]commonlog.Level{
	"critical": commonlog.Critical,
	"error":    commonlog.Error,
	"warning":  commonlog.Warning,
	"notice":   commonlog.Notice,
	"info":     commonlog.Info,
	"debug":    commonlog.Debug,
}

func nativeWorldLog(ctx *NativeContext) (Value, error) {
	level, ok := worldLogLevels[strings.ToLower(ctx.Arg("Level").Stringify())]
	if !ok {
		level = commonlog.Info
	}
	ctx.Engine.WriteWorldLog(level, ctx.Arg("Text").Stringify())
	return Null, nil
}

// nativeFilter is filter(type = "blur", size = 2, ...).
func nativeFilter(ctx *NativeContext) (Value, error) {
	e := ctx.Engine
	if e.Tree.Filter == nil {
		return Null, fmt.Errorf("filter: program has no %s type: %w", PathFilter, ErrUnsupportedOperation)
	}
	return e.NewInstance(e.Tree.Filter, ctx.Usr, ctx.Args)
}
