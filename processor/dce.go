package processor

import (
	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/module"
)

// eliminateDeadCode removes functions unreachable from the module
// roots: exports, the start function, element segments and references
// taken in constant expressions. This sweeps the placeholder shells
// left behind by the import substitution, including replacements that
// ended up uncalled.
func (st *state) eliminateDeadCode() {
	m := st.m
	funcImports := uint32(m.ImportedFunctions())
	total := funcImports + uint32(len(m.Function.TypeIndices))

	reachable := make(map[uint32]bool, total)
	var queue []uint32
	mark := func(idx uint32) {
		if idx < total && !reachable[idx] {
			reachable[idx] = true
			queue = append(queue, idx)
		}
	}

	for _, exp := range m.Export.Exports {
		if exp.Descriptor.Type == module.FunctionExportType {
			mark(exp.Descriptor.Index)
		}
	}
	if m.Start.FuncIndex != nil {
		mark(*m.Start.FuncIndex)
	}
	for i := range m.Element.Segments {
		seg := &m.Element.Segments[i]
		for _, idx := range seg.Indices {
			mark(idx)
		}
		for j := range seg.Inits {
			markInstructions(seg.Inits[j].Instrs, mark)
		}
	}
	for i := range m.Global.Globals {
		markInstructions(m.Global.Globals[i].Init.Instrs, mark)
	}

	for len(queue) > 0 {
		idx := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if idx < funcImports {
			continue
		}
		markInstructions(st.entries[idx-funcImports].Func.Expr.Instrs, mark)
	}

	if uint32(len(reachable)) == total {
		return
	}

	// Rebuild the function space with the survivors, preserving order.
	removedImports := 0
	remap := make(map[uint32]uint32, len(reachable))
	kept := m.Import.Imports[:0]
	funcIndex := uint32(0)
	newIndex := uint32(0)
	for _, imp := range m.Import.Imports {
		if imp.Descriptor.Kind() != module.FunctionImportType {
			kept = append(kept, imp)
			continue
		}
		if reachable[funcIndex] {
			remap[funcIndex] = newIndex
			newIndex++
			kept = append(kept, imp)
		} else {
			removedImports++
		}
		funcIndex++
	}
	m.Import.Imports = kept

	var typeIndices []uint32
	var entries []*module.CodeEntry
	var segments []module.RawCodeSegment
	for i, tpe := range m.Function.TypeIndices {
		idx := funcImports + uint32(i)
		if !reachable[idx] {
			continue
		}
		remap[idx] = newIndex
		newIndex++
		typeIndices = append(typeIndices, tpe)
		entries = append(entries, st.entries[i])
		segments = append(segments, m.Code.Segments[i])
	}
	m.Function.TypeIndices = typeIndices
	m.Code.Segments = segments
	st.entries = entries
	if st.getRefIndex != nil {
		if mapped, ok := remap[*st.getRefIndex]; ok {
			st.getRefIndex = &mapped
		} else {
			st.getRefIndex = nil
		}
	}

	st.remapFunctionIndices(st.entries, func(old uint32) (uint32, bool) {
		mapped, ok := remap[old]
		return mapped, ok
	})

	st.logger().Debug("dead code elimination removed %d functions (%d imports)",
		int(total)-len(remap), removedImports)
}

func markInstructions(instrs []instruction.Instruction, mark func(uint32)) {
	for _, instr := range instrs {
		switch instr := instr.(type) {
		case instruction.Call:
			mark(instr.Index)
		case instruction.RefFunc:
			mark(instr.Index)
		case instruction.Structured:
			for _, seq := range instr.Sequences() {
				markInstructions(*seq, mark)
			}
		}
	}
}
