package processor

import (
	"math"

	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/module"
	"github.com/slowli/externref/internal/wasm/opcode"
	"github.com/slowli/externref/internal/wasm/types"
)

// nullRef is the sentinel surrogate denoting a null reference.
const nullRef = -1

// guardSentinel is the reserved function index that guard calls are
// remapped to after the guard import is removed; the guard verifier
// strips calls to it.
const guardSentinel = math.MaxUint32

// patchFunctions synthesizes the reference table and the replacement
// functions, then substitutes every reference to an old function index
// (placeholder calls included) throughout the module.
func (st *state) patchFunctions(imports *externrefImports) error {
	m := st.m

	// The reference table: externref elements, initially empty, unbounded.
	st.tableIndex = uint32(m.ImportedTables() + len(m.Table.Tables))
	m.Table.Tables = append(m.Table.Tables, module.Table{
		Type: types.ExternRef,
		Lim:  module.Limit{Min: 0},
	})
	if st.p.tableName != "" {
		m.Export.Exports = append(m.Export.Exports, module.Export{
			Name: st.p.tableName,
			Descriptor: module.ExportDescriptor{
				Type:  module.TableExportType,
				Index: st.tableIndex,
			},
		})
	}

	// Optional host notification about dropped references, imported as
	// the last function import so that surviving imports keep their
	// relative order.
	var dropNotify *uint32
	if imports.drop != nil && st.p.dropFnModule != "" {
		tpe := m.Type.AddFunctionType(types.Function{Params: []types.ValueType{types.ExternRef}})
		m.Import.Imports = append(m.Import.Imports, module.Import{
			Module:     st.p.dropFnModule,
			Name:       st.p.dropFnName,
			Descriptor: module.FunctionImport{Func: tpe},
		})
		idx := uint32(m.ImportedFunctions() - 1)
		dropNotify = &idx
	}

	newFuncImports := uint32(m.ImportedFunctions())
	added := newFuncImports + uint32(len(imports.removed)) - imports.oldFuncImports

	// Replacement functions are appended after the existing local
	// functions; appendFunction computes their indices in the rewritten
	// function space. Only the pre-existing entries are subject to the
	// index remap below: replacement bodies are built with new-space
	// indices already.
	originalEntries := st.entries
	mapping := map[uint32]uint32{}

	if imports.insert != nil {
		idx := st.appendFunction(
			types.Function{Params: []types.ValueType{types.ExternRef}, Results: []types.ValueType{types.I32}},
			[]module.LocalDeclaration{{Count: 1, Type: types.I32}},
			st.insertBody(),
		)
		mapping[*imports.insert] = idx
		st.logger().Debug("replaced import %s.%s", ImportModuleName, insertName)
	}
	if imports.get != nil {
		idx := st.appendFunction(
			types.Function{Params: []types.ValueType{types.I32}, Results: []types.ValueType{types.ExternRef}},
			nil,
			st.getBody(),
		)
		mapping[*imports.get] = idx
		st.getRefIndex = &idx
		st.logger().Debug("replaced import %s.%s", ImportModuleName, getName)
	}
	if imports.drop != nil {
		idx := st.appendFunction(
			types.Function{Params: []types.ValueType{types.I32}},
			nil,
			st.dropBody(dropNotify),
		)
		mapping[*imports.drop] = idx
		st.logger().Debug("replaced import %s.%s", ImportModuleName, dropName)
	}

	// Remap the whole function index space: placeholders resolve to
	// their replacements, guard calls to the sentinel, everything else
	// shifts past the removed imports.
	removed := imports.removed
	remap := func(old uint32) (uint32, bool) {
		if mapped, ok := mapping[old]; ok {
			return mapped, true
		}
		if imports.guard != nil && old == *imports.guard {
			return guardSentinel, false
		}
		if old < imports.oldFuncImports {
			shift := uint32(0)
			for _, r := range removed {
				if r < old {
					shift++
				}
			}
			return old - shift, true
		}
		return old - uint32(len(removed)) + added, true
	}
	st.remapFunctionIndices(originalEntries, remap)
	return nil
}

// appendFunction adds a local function with the given type, extra local
// declarations and body, returning its index in the function space.
// The caller is responsible for only using indices valid after the
// import-space rewrite.
func (st *state) appendFunction(tpe types.Function, locals []module.LocalDeclaration, body []instruction.Instruction) uint32 {
	m := st.m
	idx := uint32(m.ImportedFunctions() + len(m.Function.TypeIndices))
	m.Function.TypeIndices = append(m.Function.TypeIndices, m.Type.AddFunctionType(tpe))
	m.Code.Segments = append(m.Code.Segments, module.RawCodeSegment{})
	st.entries = append(st.entries, &module.CodeEntry{
		Func: module.FunctionBody{
			Locals: locals,
			Expr:   module.Expr{Instrs: body},
		},
	})
	return idx
}

// insertBody returns the body of the insert replacement:
//
//	if value == null { return -1 }
//	n = table.size
//	if n > 0 {
//	    i = n - 1
//	    loop {
//	        if table[i] == null { break }
//	        if i == 0 { i = n; break }
//	        i -= 1
//	    }
//	}
//	if i == table.size { table.grow(1, value) or trap } else { table[i] = value }
//	return i
//
// Scanning from the tail biases reuse toward recently freed slots; the
// table grows only after the scan finds no free slot.
func (st *state) insertBody() []instruction.Instruction {
	const value, freeIdx = 0, 1
	table := st.tableIndex

	scanLoop := &instruction.Loop{Instrs: []instruction.Instruction{
		instruction.LocalGet{Index: freeIdx},
		instruction.TableGet{Index: table},
		instruction.RefIsNull{},
		&instruction.If{
			Then: []instruction.Instruction{
				instruction.Br{Depth: 2}, // free slot found; exit the scan
			},
			Else: []instruction.Instruction{
				instruction.LocalGet{Index: freeIdx},
				&instruction.If{
					Then: []instruction.Instruction{
						instruction.LocalGet{Index: freeIdx},
						instruction.I32Const{Value: 1},
						instruction.Plain{Code: opcode.I32Sub},
						instruction.LocalSet{Index: freeIdx},
						instruction.Br{Depth: 2}, // next slot
					},
					Else: []instruction.Instruction{
						instruction.TableSize{Index: table},
						instruction.LocalSet{Index: freeIdx},
						instruction.Br{Depth: 3}, // no free slot; signal growth
					},
				},
			},
		},
	}}

	return []instruction.Instruction{
		instruction.LocalGet{Index: value},
		instruction.RefIsNull{},
		&instruction.If{Then: []instruction.Instruction{
			instruction.I32Const{Value: nullRef},
			instruction.Plain{Code: opcode.Return},
		}},

		instruction.TableSize{Index: table},
		&instruction.If{Then: []instruction.Instruction{
			instruction.TableSize{Index: table},
			instruction.I32Const{Value: 1},
			instruction.Plain{Code: opcode.I32Sub},
			instruction.LocalSet{Index: freeIdx},
			&instruction.Block{Instrs: []instruction.Instruction{scanLoop}},
		}},

		instruction.LocalGet{Index: freeIdx},
		instruction.TableSize{Index: table},
		instruction.Plain{Code: opcode.I32Eq},
		&instruction.If{
			Then: []instruction.Instruction{
				instruction.LocalGet{Index: value},
				instruction.I32Const{Value: 1},
				instruction.TableGrow{Index: table},
				instruction.I32Const{Value: nullRef},
				instruction.Plain{Code: opcode.I32Eq},
				&instruction.If{Then: []instruction.Instruction{
					instruction.Plain{Code: opcode.Unreachable},
				}},
			},
			Else: []instruction.Instruction{
				instruction.LocalGet{Index: freeIdx},
				instruction.LocalGet{Index: value},
				instruction.TableSet{Index: table},
			},
		},
		instruction.LocalGet{Index: freeIdx},
	}
}

// getBody returns the body of the get replacement.
func (st *state) getBody() []instruction.Instruction {
	const index = 0
	return []instruction.Instruction{
		instruction.LocalGet{Index: index},
		instruction.I32Const{Value: nullRef},
		instruction.Plain{Code: opcode.I32Eq},
		&instruction.If{
			Type: instruction.ValueBlockType(types.ExternRef),
			Then: []instruction.Instruction{
				instruction.RefNull{Type: types.ExternRef},
			},
			Else: []instruction.Instruction{
				instruction.LocalGet{Index: index},
				instruction.TableGet{Index: st.tableIndex},
			},
		},
	}
}

// dropBody returns the body of the drop replacement. The notification
// import, when configured, observes the reference before the slot is
// cleared.
func (st *state) dropBody(dropNotify *uint32) []instruction.Instruction {
	const index = 0
	var body []instruction.Instruction
	if dropNotify != nil {
		body = append(body,
			instruction.LocalGet{Index: index},
			instruction.TableGet{Index: st.tableIndex},
			instruction.Call{Index: *dropNotify},
		)
	}
	return append(body,
		instruction.LocalGet{Index: index},
		instruction.RefNull{Type: types.ExternRef},
		instruction.TableSet{Index: st.tableIndex},
	)
}

// remapFunctionIndices applies remap to every function reference in the
// module: code, global initializers, element segments, exports, the
// start function and the name section. Name entries whose function is
// dropped by remap are deleted.
func (st *state) remapFunctionIndices(entries []*module.CodeEntry, remap func(uint32) (uint32, bool)) {
	m := st.m
	mapIdx := func(old uint32) uint32 {
		mapped, _ := remap(old)
		return mapped
	}

	for _, entry := range entries {
		remapInstructions(entry.Func.Expr.Instrs, mapIdx)
	}
	for i := range m.Global.Globals {
		remapInstructions(m.Global.Globals[i].Init.Instrs, mapIdx)
	}
	for i := range m.Element.Segments {
		seg := &m.Element.Segments[i]
		for j, idx := range seg.Indices {
			seg.Indices[j] = mapIdx(idx)
		}
		for j := range seg.Inits {
			remapInstructions(seg.Inits[j].Instrs, mapIdx)
		}
	}
	for i := range m.Export.Exports {
		desc := &m.Export.Exports[i].Descriptor
		if desc.Type == module.FunctionExportType {
			desc.Index = mapIdx(desc.Index)
		}
	}
	if m.Start.FuncIndex != nil {
		idx := mapIdx(*m.Start.FuncIndex)
		m.Start.FuncIndex = &idx
	}

	functionNames := m.Names.Functions[:0]
	for _, nm := range m.Names.Functions {
		if mapped, ok := remap(nm.Index); ok {
			nm.Index = mapped
			functionNames = append(functionNames, nm)
		}
	}
	m.Names.Functions = functionNames

	localNames := m.Names.Locals[:0]
	for _, lm := range m.Names.Locals {
		if mapped, ok := remap(lm.FuncIndex); ok {
			lm.FuncIndex = mapped
			localNames = append(localNames, lm)
		}
	}
	m.Names.Locals = localNames
}

func remapInstructions(instrs []instruction.Instruction, mapIdx func(uint32) uint32) {
	for i, instr := range instrs {
		switch instr := instr.(type) {
		case instruction.Call:
			instrs[i] = instruction.Call{Index: mapIdx(instr.Index), Offset: instr.Offset}
		case instruction.RefFunc:
			instrs[i] = instruction.RefFunc{Index: mapIdx(instr.Index)}
		case instruction.Structured:
			for _, seq := range instr.Sequences() {
				remapInstructions(*seq, mapIdx)
			}
		}
	}
}

// replaceFunctions removes guard calls from all local functions and
// returns the set of guarded function indices. A guard call is accepted
// only as the first instruction of the entry sequence, or immediately
// after a global.set there (a shadow-stack pointer adjustment).
func (st *state) replaceFunctions(imports *externrefImports) (map[uint32]bool, error) {
	guarded := map[uint32]bool{}
	if imports.guard == nil {
		return guarded, nil
	}
	funcImports := uint32(st.m.ImportedFunctions())
	for i, entry := range st.entries {
		funcIndex := funcImports + uint32(i)
		isGuarded, err := st.removeGuards(entry, funcIndex)
		if err != nil {
			return nil, err
		}
		if isGuarded {
			guarded[funcIndex] = true
		}
	}
	st.logger().Debug("found %d guarded functions", len(guarded))
	return guarded, nil
}

func (st *state) removeGuards(entry *module.CodeEntry, funcIndex uint32) (bool, error) {
	guarded := false
	var misplaced *instruction.Call

	var walk func(instrs []instruction.Instruction, isEntry bool) []instruction.Instruction
	walk = func(instrs []instruction.Instruction, isEntry bool) []instruction.Instruction {
		kept := instrs[:0]
		prevGlobalSet := false
		for idx, instr := range instrs {
			if call, ok := instr.(instruction.Call); ok && call.Index == guardSentinel {
				correct := isEntry && (idx == 0 || prevGlobalSet)
				if correct {
					guarded = true
				} else if misplaced == nil {
					call := call
					misplaced = &call
				}
				prevGlobalSet = false
				continue
			}
			if structured, ok := instr.(instruction.Structured); ok {
				for _, seq := range structured.Sequences() {
					*seq = walk(*seq, false)
				}
			}
			_, prevGlobalSet = instr.(instruction.GlobalSet)
			kept = append(kept, instr)
		}
		return kept
	}
	entry.Func.Expr.Instrs = walk(entry.Func.Expr.Instrs, true)

	if misplaced != nil {
		return false, &MisplacedGuardError{
			FunctionName: st.m.FunctionName(funcIndex),
			CodeOffset:   callOffset(*misplaced),
		}
	}
	return guarded, nil
}

func callOffset(call instruction.Call) *uint32 {
	if call.Offset == 0 {
		return nil
	}
	offset := call.Offset
	return &offset
}
