package processor

import (
	externref "github.com/slowli/externref"
	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/module"
	"github.com/slowli/externref/internal/wasm/types"
)

// processFunctions applies the catalog to the module: import and export
// signatures take the externref type at marked positions, and function
// bodies are rewritten so that locals receiving externref values are
// typed accordingly.
//
// The rewrite patches i32 locals that must become externref per the
// catalog. Two kinds of locals qualify: marked parameters of exports,
// and locals assigned from calls to functions returning externref (the
// get replacement, plus catalog functions whose last position is a
// marked single result). The latter can occur in any local function, so
// every body is scanned; only guarded functions may gain such locals.
//
// The scan assumes that a reference produced by a call is stored via
// local.set / local.tee immediately, that reference-producing functions
// return exactly one result, and that call_indirect never produces a
// reference. Cooperating guest toolchains uphold this; modules where
// prior optimization broke the pattern are rejected via
// UnexpectedReferenceCallError (and MisplacedGuardError for disturbed
// guards). Locals can be reassigned to non-reference values mid-body;
// reads after such a reassignment keep observing the integer slot.
func (st *state) processFunctions(catalog []externref.Function, guarded map[uint32]bool) error {
	m := st.m

	ids := make([]*uint32, len(catalog))
	for i := range catalog {
		id, err := st.resolveFunction(&catalog[i])
		if err != nil {
			return err
		}
		ids[i] = id
	}

	// Functions that may produce a reference at a call site; the set
	// must be complete before any body is scanned.
	refReturning := map[uint32]bool{}
	if st.getRefIndex != nil {
		refReturning[*st.getRefIndex] = true
	}

	funcImports := uint32(m.ImportedFunctions())
	for i := range catalog {
		fn := &catalog[i]
		if ids[i] == nil {
			continue
		}
		id := *ids[i]
		tpe, ok := m.FunctionType(id)
		if !ok {
			return &MissingExportError{Name: fn.Name}
		}
		refs := fn.Refs
		if len(tpe.Results) == 1 && refs.IsSet(refs.BitLen()-1) {
			refReturning[id] = true
		}
		if fn.Kind == externref.Import || id < funcImports {
			st.logger().Debug("patching imported function %q from module %q", fn.Name, fn.Module)
			if err := st.transformImport(fn, id); err != nil {
				return err
			}
		}
	}

	catalogByID := map[uint32]*externref.Function{}
	for i := range catalog {
		if ids[i] != nil && *ids[i] >= funcImports {
			catalogByID[*ids[i]] = &catalog[i]
		}
	}

	for i := range st.entries {
		funcIndex := funcImports + uint32(i)
		if fn := catalogByID[funcIndex]; fn != nil {
			st.logger().Debug("patching exported function %q", fn.Name)
			if err := st.transformExport(funcIndex, fn, refReturning); err != nil {
				return err
			}
		} else {
			if err := st.transformLocalFn(funcIndex, refReturning, guarded[funcIndex]); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveFunction resolves a catalog entry to a function index. A
// catalog import absent from the module resolves to nil: the guest
// declared but never used it.
func (st *state) resolveFunction(fn *externref.Function) (*uint32, error) {
	m := st.m
	if fn.Kind == externref.Export {
		for _, exp := range m.Export.Exports {
			if exp.Name != fn.Name {
				continue
			}
			if exp.Descriptor.Type != module.FunctionExportType {
				return nil, &UnexpectedExportKindError{Name: fn.Name}
			}
			idx := exp.Descriptor.Index
			return &idx, nil
		}
		return nil, &MissingExportError{Name: fn.Name}
	}

	funcIndex := uint32(0)
	for _, imp := range m.Import.Imports {
		isFunc := imp.Descriptor.Kind() == module.FunctionImportType
		if imp.Module == fn.Module && imp.Name == fn.Name {
			if !isFunc {
				return nil, &UnexpectedImportKindError{Module: fn.Module, Name: fn.Name}
			}
			idx := funcIndex
			return &idx, nil
		}
		if isFunc {
			funcIndex++
		}
	}
	return nil, nil
}

func (st *state) transformImport(fn *externref.Function, id uint32) error {
	m := st.m
	tpe, _ := m.FunctionType(id)
	patched, err := patchType(fn, tpe)
	if err != nil {
		return err
	}
	newTypeIndex := m.Type.AddFunctionType(patched)

	if id < uint32(m.ImportedFunctions()) {
		funcIndex := uint32(0)
		for i, imp := range m.Import.Imports {
			if imp.Descriptor.Kind() != module.FunctionImportType {
				continue
			}
			if funcIndex == id {
				m.Import.Imports[i].Descriptor = module.FunctionImport{Func: newTypeIndex}
				return nil
			}
			funcIndex++
		}
	}
	local := id - uint32(m.ImportedFunctions())
	m.Function.TypeIndices[local] = newTypeIndex
	return nil
}

// patchType computes the externref-typed signature for a catalog
// function, validating arity and marked positions.
func patchType(fn *externref.Function, tpe types.Function) (types.Function, error) {
	arity := len(tpe.Params) + len(tpe.Results)
	if arity != fn.Refs.BitLen() {
		return types.Function{}, &ArityMismatchError{
			Module:   fn.Module,
			Name:     fn.Name,
			Expected: fn.Refs.BitLen(),
			Actual:   arity,
		}
	}

	patched := types.Function{
		Params:  append([]types.ValueType(nil), tpe.Params...),
		Results: append([]types.ValueType(nil), tpe.Results...),
	}
	for _, idx := range fn.Refs.SetIndices() {
		var placement *types.ValueType
		var location Location
		if idx < len(patched.Params) {
			placement = &patched.Params[idx]
			location = Arg(idx)
		} else {
			resultIdx := idx - len(patched.Params)
			placement = &patched.Results[resultIdx]
			location = Result(resultIdx)
			// A reference result is only supported as the sole, last
			// result; anything else cannot flow through the rewrite.
			if len(patched.Results) != 1 || idx != arity-1 {
				return types.Function{}, &UnexpectedTypeError{
					Module:   fn.Module,
					Name:     fn.Name,
					Location: location,
					Actual:   *placement,
				}
			}
		}
		if *placement != types.I32 {
			return types.Function{}, &UnexpectedTypeError{
				Module:   fn.Module,
				Name:     fn.Name,
				Location: location,
				Actual:   *placement,
			}
		}
		*placement = types.ExternRef
	}
	return patched, nil
}

// bodyTransform tracks per-function rewrite state.
type bodyTransform struct {
	entry      *module.CodeEntry
	localTypes []types.ValueType

	refReturning map[uint32]bool
	// newLocals maps each freshly allocated externref local to the i32
	// local the store originally targeted.
	newLocals map[uint32]uint32
	// firstRefCall is the call that triggered the first new local.
	firstRefCall *instruction.Call

	// markedParams are export parameters retyped to externref; integer
	// reassignments of those slots are redirected to fresh i32 locals.
	markedParams   map[uint32]bool
	paramRedirects map[uint32]uint32

	// plan records, per source local, the substitution to apply to each
	// local.get in traversal order.
	plan map[uint32]*substitutions
}

type substitutions struct {
	current *uint32
	queue   []*uint32
}

func newBodyTransform(m *module.Module, funcIndex uint32, entry *module.CodeEntry, refReturning map[uint32]bool) *bodyTransform {
	tpe, _ := m.FunctionType(funcIndex)
	localTypes := append([]types.ValueType(nil), tpe.Params...)
	for _, decl := range entry.Func.Locals {
		for i := uint32(0); i < decl.Count; i++ {
			localTypes = append(localTypes, decl.Type)
		}
	}
	return &bodyTransform{
		entry:          entry,
		localTypes:     localTypes,
		refReturning:   refReturning,
		newLocals:      map[uint32]uint32{},
		markedParams:   map[uint32]bool{},
		paramRedirects: map[uint32]uint32{},
		plan:           map[uint32]*substitutions{},
	}
}

func (t *bodyTransform) appendLocal(tpe types.ValueType) uint32 {
	idx := uint32(len(t.localTypes))
	t.localTypes = append(t.localTypes, tpe)
	t.entry.Func.Locals = append(t.entry.Func.Locals, module.LocalDeclaration{Count: 1, Type: tpe})
	return idx
}

// detectRefCalls walks the body linearly, tracking whether a reference
// produced by a call sits on top of the operand stack. A local.set or
// local.tee hit in that state is redirected into a fresh externref
// local; any other instruction consumes or buries the reference and
// clears the flag.
func (t *bodyTransform) detectRefCalls(instrs []instruction.Instruction) {
	var lastCall *instruction.Call
	refOnTop := false
	for i, instr := range instrs {
		switch instr := instr.(type) {
		case instruction.LocalSet:
			if refOnTop {
				newLocal := t.appendLocal(types.ExternRef)
				t.newLocals[newLocal] = instr.Index
				instrs[i] = instruction.LocalSet{Index: newLocal}
				if t.firstRefCall == nil {
					t.firstRefCall = lastCall
				}
				refOnTop = false
			}
		case instruction.LocalTee:
			if refOnTop {
				newLocal := t.appendLocal(types.ExternRef)
				t.newLocals[newLocal] = instr.Index
				instrs[i] = instruction.LocalTee{Index: newLocal}
				if t.firstRefCall == nil {
					t.firstRefCall = lastCall
				}
				// The reference also remains on the stack.
			} else {
				refOnTop = false
			}
		case instruction.Call:
			refOnTop = t.refReturning[instr.Index]
			if refOnTop {
				call := instr
				lastCall = &call
			}
		case instruction.Structured:
			for _, seq := range instr.Sequences() {
				t.detectRefCalls(*seq)
			}
			refOnTop = false
		default:
			refOnTop = false
		}
	}
}

// buildPlan records, in traversal order, which local.get occurrences
// must be redirected. Integer reassignments of marked parameter slots
// are redirected to fresh i32 locals on the fly; reference stores
// (already redirected by detectRefCalls) switch the source local's
// substitution to the new externref local.
func (t *bodyTransform) buildPlan(instrs []instruction.Instruction) {
	for i, instr := range instrs {
		switch instr := instr.(type) {
		case instruction.LocalSet:
			if redirect, changed := t.visitAssignment(instr.Index); changed {
				instrs[i] = instruction.LocalSet{Index: redirect}
			}
		case instruction.LocalTee:
			if redirect, changed := t.visitAssignment(instr.Index); changed {
				instrs[i] = instruction.LocalTee{Index: redirect}
			}
		case instruction.LocalGet:
			if subst := t.plan[instr.Index]; subst != nil {
				subst.queue = append(subst.queue, subst.current)
			}
		case instruction.Structured:
			for _, seq := range instr.Sequences() {
				t.buildPlan(*seq)
			}
		}
	}
}

func (t *bodyTransform) visitAssignment(local uint32) (uint32, bool) {
	if old, ok := t.newLocals[local]; ok {
		// A store of a freshly produced reference: subsequent reads of
		// the old slot observe the new externref local.
		if subst := t.plan[old]; subst != nil {
			current := local
			subst.current = &current
		}
		return 0, false
	}
	subst := t.plan[local]
	if subst == nil {
		return 0, false
	}
	if t.markedParams[local] {
		// The slot now has the externref type, so an integer store must
		// target a fresh i32 local instead.
		redirect, ok := t.paramRedirects[local]
		if !ok {
			redirect = t.appendLocal(types.I32)
			t.paramRedirects[local] = redirect
		}
		current := redirect
		subst.current = &current
		return redirect, true
	}
	// The integer slot is reassigned to an integer: reads revert to it.
	subst.current = nil
	return 0, false
}

// rewriteGets applies the recorded plan, consuming one queue entry per
// local.get occurrence in the same traversal order the plan was built.
func (t *bodyTransform) rewriteGets(instrs []instruction.Instruction) {
	for i, instr := range instrs {
		switch instr := instr.(type) {
		case instruction.LocalGet:
			if subst := t.plan[instr.Index]; subst != nil && len(subst.queue) > 0 {
				replacement := subst.queue[0]
				subst.queue = subst.queue[1:]
				if replacement != nil {
					instrs[i] = instruction.LocalGet{Index: *replacement}
				}
			}
		case instruction.Structured:
			for _, seq := range instr.Sequences() {
				t.rewriteGets(*seq)
			}
		}
	}
}

// transformExport rewrites an exported catalog function: its signature
// takes externref at marked positions and the body is retyped
// accordingly.
func (st *state) transformExport(funcIndex uint32, fn *externref.Function, refReturning map[uint32]bool) error {
	m := st.m
	tpe, _ := m.FunctionType(funcIndex)
	patched, err := patchType(fn, tpe)
	if err != nil {
		return err
	}

	local := funcIndex - uint32(m.ImportedFunctions())
	entry := st.entries[local]
	t := newBodyTransform(m, funcIndex, entry, refReturning)
	for _, idx := range fn.Refs.SetIndices() {
		if idx < len(tpe.Params) {
			t.markedParams[uint32(idx)] = true
			t.plan[uint32(idx)] = &substitutions{}
		}
	}

	t.detectRefCalls(entry.Func.Expr.Instrs)
	for _, old := range t.newLocals {
		if t.plan[old] == nil {
			t.plan[old] = &substitutions{}
		}
	}
	t.buildPlan(entry.Func.Expr.Instrs)
	t.rewriteGets(entry.Func.Expr.Instrs)

	m.Function.TypeIndices[local] = m.Type.AddFunctionType(patched)
	return nil
}

// transformLocalFn retypes locals of a non-catalog function that
// receive externref call results. Only guarded functions may be
// transformed this way.
func (st *state) transformLocalFn(funcIndex uint32, refReturning map[uint32]bool, guarded bool) error {
	m := st.m
	local := funcIndex - uint32(m.ImportedFunctions())
	entry := st.entries[local]

	t := newBodyTransform(m, funcIndex, entry, refReturning)
	t.detectRefCalls(entry.Func.Expr.Instrs)
	if len(t.newLocals) == 0 {
		return nil
	}
	if !guarded {
		err := &UnexpectedReferenceCallError{FunctionName: m.FunctionName(funcIndex)}
		if t.firstRefCall != nil {
			err.CodeOffset = callOffset(*t.firstRefCall)
		}
		return err
	}
	st.logger().Debug("replacing %d locals in guarded function %q", len(t.newLocals), m.FunctionName(funcIndex))

	for _, old := range t.newLocals {
		if t.plan[old] == nil {
			t.plan[old] = &substitutions{}
		}
	}
	t.buildPlan(entry.Func.Expr.Instrs)
	t.rewriteGets(entry.Func.Expr.Instrs)
	return nil
}
