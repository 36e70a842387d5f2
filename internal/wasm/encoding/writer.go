package encoding

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/slowli/externref/internal/leb128"
	"github.com/slowli/externref/internal/wasm/constant"
	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/module"
	"github.com/slowli/externref/internal/wasm/opcode"
	"github.com/slowli/externref/internal/wasm/types"
)

// WriteModule writes m to w in the binary format.
func WriteModule(w io.Writer, m *module.Module) error {
	if _, err := w.Write(constant.Magic); err != nil {
		return err
	}
	if _, err := w.Write(constant.Version); err != nil {
		return err
	}

	sections := []struct {
		id      byte
		payload func() ([]byte, error)
	}{
		{constant.TypeSectionID, func() ([]byte, error) { return appendTypeSection(nil, m), nil }},
		{constant.ImportSectionID, func() ([]byte, error) { return appendImportSection(nil, m), nil }},
		{constant.FunctionSectionID, func() ([]byte, error) { return appendFunctionSection(nil, m), nil }},
		{constant.TableSectionID, func() ([]byte, error) { return appendTableSection(nil, m), nil }},
		{constant.MemorySectionID, func() ([]byte, error) { return appendMemorySection(nil, m), nil }},
		{constant.GlobalSectionID, func() ([]byte, error) { return appendGlobalSection(nil, m) }},
		{constant.ExportSectionID, func() ([]byte, error) { return appendExportSection(nil, m), nil }},
		{constant.StartSectionID, func() ([]byte, error) { return appendStartSection(nil, m), nil }},
		{constant.ElementSectionID, func() ([]byte, error) { return appendElementSection(nil, m) }},
		{constant.DataCountSectionID, func() ([]byte, error) { return appendDataCountSection(nil, m), nil }},
		{constant.CodeSectionID, func() ([]byte, error) { return appendCodeSection(nil, m), nil }},
		{constant.DataSectionID, func() ([]byte, error) { return appendDataSection(nil, m) }},
	}
	for _, section := range sections {
		payload, err := section.payload()
		if err != nil {
			return err
		}
		if len(payload) == 0 {
			continue
		}
		if err := writeSection(w, section.id, payload); err != nil {
			return err
		}
	}

	if !m.Names.Empty() {
		if err := writeSection(w, constant.CustomSectionID, appendNameSection(nil, m)); err != nil {
			return err
		}
	}
	for _, custom := range m.Customs {
		payload := appendName(nil, custom.Name)
		payload = append(payload, custom.Data...)
		if err := writeSection(w, constant.CustomSectionID, payload); err != nil {
			return err
		}
	}
	return nil
}

func writeSection(w io.Writer, id byte, payload []byte) error {
	header := append([]byte{id}, leb128.AppendUint32(nil, uint32(len(payload)))...)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func appendName(buf []byte, name string) []byte {
	buf = leb128.AppendUint32(buf, uint32(len(name)))
	return append(buf, name...)
}

func appendValueTypeVec(buf []byte, vec []types.ValueType) []byte {
	buf = leb128.AppendUint32(buf, uint32(len(vec)))
	for _, t := range vec {
		buf = append(buf, byte(t))
	}
	return buf
}

func appendLimit(buf []byte, lim module.Limit) []byte {
	if lim.Max == nil {
		buf = append(buf, 0x00)
		return leb128.AppendUint32(buf, lim.Min)
	}
	buf = append(buf, 0x01)
	buf = leb128.AppendUint32(buf, lim.Min)
	return leb128.AppendUint32(buf, *lim.Max)
}

func appendTable(buf []byte, table module.Table) []byte {
	buf = append(buf, byte(table.Type))
	return appendLimit(buf, table.Lim)
}

func appendTypeSection(buf []byte, m *module.Module) []byte {
	if len(m.Type.Functions) == 0 {
		return nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Type.Functions)))
	for _, fn := range m.Type.Functions {
		buf = append(buf, constant.FunctionTypeID)
		buf = appendValueTypeVec(buf, fn.Params)
		buf = appendValueTypeVec(buf, fn.Results)
	}
	return buf
}

func appendImportSection(buf []byte, m *module.Module) []byte {
	if len(m.Import.Imports) == 0 {
		return nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Import.Imports)))
	for _, imp := range m.Import.Imports {
		buf = appendName(buf, imp.Module)
		buf = appendName(buf, imp.Name)
		switch desc := imp.Descriptor.(type) {
		case module.FunctionImport:
			buf = append(buf, constant.ExternKindFunction)
			buf = leb128.AppendUint32(buf, desc.Func)
		case module.TableImport:
			buf = append(buf, constant.ExternKindTable)
			buf = appendTable(buf, desc.Table)
		case module.MemoryImport:
			buf = append(buf, constant.ExternKindMemory)
			buf = appendLimit(buf, desc.Mem)
		case module.GlobalImport:
			buf = append(buf, constant.ExternKindGlobal)
			buf = append(buf, byte(desc.Type), mutByte(desc.Mutable))
		}
	}
	return buf
}

func mutByte(mutable bool) byte {
	if mutable {
		return 1
	}
	return 0
}

func appendFunctionSection(buf []byte, m *module.Module) []byte {
	if len(m.Function.TypeIndices) == 0 {
		return nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Function.TypeIndices)))
	for _, tpe := range m.Function.TypeIndices {
		buf = leb128.AppendUint32(buf, tpe)
	}
	return buf
}

func appendTableSection(buf []byte, m *module.Module) []byte {
	if len(m.Table.Tables) == 0 {
		return nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Table.Tables)))
	for _, table := range m.Table.Tables {
		buf = appendTable(buf, table)
	}
	return buf
}

func appendMemorySection(buf []byte, m *module.Module) []byte {
	if len(m.Memory.Memories) == 0 {
		return nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Memory.Memories)))
	for _, lim := range m.Memory.Memories {
		buf = appendLimit(buf, lim)
	}
	return buf
}

func appendGlobalSection(buf []byte, m *module.Module) ([]byte, error) {
	if len(m.Global.Globals) == 0 {
		return nil, nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Global.Globals)))
	for _, global := range m.Global.Globals {
		buf = append(buf, byte(global.Type), mutByte(global.Mutable))
		var err error
		if buf, err = appendExpr(buf, global.Init); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendExportSection(buf []byte, m *module.Module) []byte {
	if len(m.Export.Exports) == 0 {
		return nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Export.Exports)))
	for _, exp := range m.Export.Exports {
		buf = appendName(buf, exp.Name)
		buf = append(buf, byte(exp.Descriptor.Type))
		buf = leb128.AppendUint32(buf, exp.Descriptor.Index)
	}
	return buf
}

func appendStartSection(buf []byte, m *module.Module) []byte {
	if m.Start.FuncIndex == nil {
		return nil
	}
	return leb128.AppendUint32(buf, *m.Start.FuncIndex)
}

func appendElementSection(buf []byte, m *module.Module) ([]byte, error) {
	if len(m.Element.Segments) == 0 {
		return nil, nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Element.Segments)))
	for _, seg := range m.Element.Segments {
		var err error
		if buf, err = appendElementSegment(buf, seg); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendElementSegment(buf []byte, seg module.ElementSegment) ([]byte, error) {
	buf = leb128.AppendUint32(buf, seg.Flags)
	if seg.Flags == 2 || seg.Flags == 6 {
		buf = leb128.AppendUint32(buf, seg.TableIndex)
	}
	if seg.Flags&0x01 == 0 {
		if seg.Offset == nil {
			return nil, fmt.Errorf("active element segment without offset")
		}
		var err error
		if buf, err = appendExpr(buf, *seg.Offset); err != nil {
			return nil, err
		}
	}
	if seg.Flags&0x04 == 0 {
		if seg.Flags != 0 {
			buf = append(buf, seg.ElemKind)
		}
		buf = leb128.AppendUint32(buf, uint32(len(seg.Indices)))
		for _, idx := range seg.Indices {
			buf = leb128.AppendUint32(buf, idx)
		}
	} else {
		if seg.Flags != 4 {
			if seg.Type == nil {
				return nil, fmt.Errorf("expression-encoded element segment without type")
			}
			buf = append(buf, byte(*seg.Type))
		}
		buf = leb128.AppendUint32(buf, uint32(len(seg.Inits)))
		for _, init := range seg.Inits {
			var err error
			if buf, err = appendExpr(buf, init); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}

func appendDataCountSection(buf []byte, m *module.Module) []byte {
	if m.DataCount.Count == nil {
		return nil
	}
	return leb128.AppendUint32(buf, *m.DataCount.Count)
}

func appendCodeSection(buf []byte, m *module.Module) []byte {
	if len(m.Code.Segments) == 0 {
		return nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Code.Segments)))
	for _, seg := range m.Code.Segments {
		buf = leb128.AppendUint32(buf, uint32(len(seg.Code)))
		buf = append(buf, seg.Code...)
	}
	return buf
}

func appendDataSection(buf []byte, m *module.Module) ([]byte, error) {
	if len(m.Data.Segments) == 0 {
		return nil, nil
	}
	buf = leb128.AppendUint32(buf, uint32(len(m.Data.Segments)))
	for _, seg := range m.Data.Segments {
		var err error
		switch {
		case seg.Offset == nil:
			buf = leb128.AppendUint32(buf, 1)
		case seg.MemoryIndex != 0:
			buf = leb128.AppendUint32(buf, 2)
			buf = leb128.AppendUint32(buf, seg.MemoryIndex)
			if buf, err = appendExpr(buf, *seg.Offset); err != nil {
				return nil, err
			}
		default:
			buf = leb128.AppendUint32(buf, 0)
			if buf, err = appendExpr(buf, *seg.Offset); err != nil {
				return nil, err
			}
		}
		buf = leb128.AppendUint32(buf, uint32(len(seg.Init)))
		buf = append(buf, seg.Init...)
	}
	return buf, nil
}

func appendNameSection(buf []byte, m *module.Module) []byte {
	buf = appendName(buf, "name")
	if m.Names.Module != "" {
		sub := appendName(nil, m.Names.Module)
		buf = append(buf, 0)
		buf = leb128.AppendUint32(buf, uint32(len(sub)))
		buf = append(buf, sub...)
	}
	if len(m.Names.Functions) > 0 {
		sub := appendNameMap(nil, m.Names.Functions)
		buf = append(buf, 1)
		buf = leb128.AppendUint32(buf, uint32(len(sub)))
		buf = append(buf, sub...)
	}
	if len(m.Names.Locals) > 0 {
		sub := leb128.AppendUint32(nil, uint32(len(m.Names.Locals)))
		for _, localNames := range m.Names.Locals {
			sub = leb128.AppendUint32(sub, localNames.FuncIndex)
			sub = appendNameMap(sub, localNames.NameMap)
		}
		buf = append(buf, 2)
		buf = leb128.AppendUint32(buf, uint32(len(sub)))
		buf = append(buf, sub...)
	}
	return buf
}

func appendNameMap(buf []byte, maps []module.NameMap) []byte {
	buf = leb128.AppendUint32(buf, uint32(len(maps)))
	for _, nm := range maps {
		buf = leb128.AppendUint32(buf, nm.Index)
		buf = appendName(buf, nm.Name)
	}
	return buf
}

// WriteCodeEntry encodes entry into w; the result is a code-section
// segment body (without the size prefix).
func WriteCodeEntry(w io.Writer, entry *module.CodeEntry) error {
	buf := leb128.AppendUint32(nil, uint32(len(entry.Func.Locals)))
	for _, decl := range entry.Func.Locals {
		buf = leb128.AppendUint32(buf, decl.Count)
		buf = append(buf, byte(decl.Type))
	}
	var err error
	if buf, err = appendExpr(buf, entry.Func.Expr); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// EncodeCodeEntry encodes entry into a raw code segment.
func EncodeCodeEntry(entry *module.CodeEntry) (module.RawCodeSegment, error) {
	var buf bytes.Buffer
	if err := WriteCodeEntry(&buf, entry); err != nil {
		return module.RawCodeSegment{}, err
	}
	return module.RawCodeSegment{Code: buf.Bytes()}, nil
}

func appendExpr(buf []byte, expr module.Expr) ([]byte, error) {
	var err error
	if buf, err = appendInstructions(buf, expr.Instrs); err != nil {
		return nil, err
	}
	return append(buf, byte(opcode.End)), nil
}

func appendInstructions(buf []byte, instrs []instruction.Instruction) ([]byte, error) {
	var err error
	for _, instr := range instrs {
		if buf, err = appendInstruction(buf, instr); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendBlockType(buf []byte, blockType instruction.BlockType) []byte {
	switch {
	case blockType.Value != nil:
		return append(buf, byte(*blockType.Value))
	case blockType.TypeIndex != nil:
		return leb128.AppendInt64(buf, int64(*blockType.TypeIndex))
	default:
		return append(buf, constant.BlockTypeEmpty)
	}
}

func appendInstruction(buf []byte, instr instruction.Instruction) ([]byte, error) {
	var err error
	switch instr := instr.(type) {
	case instruction.Plain:
		buf = append(buf, byte(instr.Code))

	case instruction.Extended:
		buf = append(buf, byte(opcode.Extended))
		buf = leb128.AppendUint32(buf, uint32(instr.Code))

	case *instruction.Block:
		buf = append(buf, byte(opcode.Block))
		buf = appendBlockType(buf, instr.Type)
		if buf, err = appendInstructions(buf, instr.Instrs); err != nil {
			return nil, err
		}
		buf = append(buf, byte(opcode.End))

	case *instruction.Loop:
		buf = append(buf, byte(opcode.Loop))
		buf = appendBlockType(buf, instr.Type)
		if buf, err = appendInstructions(buf, instr.Instrs); err != nil {
			return nil, err
		}
		buf = append(buf, byte(opcode.End))

	case *instruction.If:
		buf = append(buf, byte(opcode.If))
		buf = appendBlockType(buf, instr.Type)
		if buf, err = appendInstructions(buf, instr.Then); err != nil {
			return nil, err
		}
		if len(instr.Else) > 0 {
			buf = append(buf, byte(opcode.Else))
			if buf, err = appendInstructions(buf, instr.Else); err != nil {
				return nil, err
			}
		}
		buf = append(buf, byte(opcode.End))

	case instruction.Br:
		buf = append(buf, byte(opcode.Br))
		buf = leb128.AppendUint32(buf, instr.Depth)

	case instruction.BrIf:
		buf = append(buf, byte(opcode.BrIf))
		buf = leb128.AppendUint32(buf, instr.Depth)

	case instruction.BrTable:
		buf = append(buf, byte(opcode.BrTable))
		buf = leb128.AppendUint32(buf, uint32(len(instr.Depths)))
		for _, depth := range instr.Depths {
			buf = leb128.AppendUint32(buf, depth)
		}
		buf = leb128.AppendUint32(buf, instr.Default)

	case instruction.Call:
		buf = append(buf, byte(opcode.Call))
		buf = leb128.AppendUint32(buf, instr.Index)

	case instruction.CallIndirect:
		buf = append(buf, byte(opcode.CallIndirect))
		buf = leb128.AppendUint32(buf, instr.TypeIndex)
		buf = leb128.AppendUint32(buf, instr.TableIndex)

	case instruction.TypedSelect:
		buf = append(buf, byte(opcode.TypedSelect))
		buf = appendValueTypeVec(buf, instr.Types)

	case instruction.LocalGet:
		buf = appendIndexed(buf, opcode.LocalGet, instr.Index)
	case instruction.LocalSet:
		buf = appendIndexed(buf, opcode.LocalSet, instr.Index)
	case instruction.LocalTee:
		buf = appendIndexed(buf, opcode.LocalTee, instr.Index)
	case instruction.GlobalGet:
		buf = appendIndexed(buf, opcode.GlobalGet, instr.Index)
	case instruction.GlobalSet:
		buf = appendIndexed(buf, opcode.GlobalSet, instr.Index)
	case instruction.TableGet:
		buf = appendIndexed(buf, opcode.TableGet, instr.Index)
	case instruction.TableSet:
		buf = appendIndexed(buf, opcode.TableSet, instr.Index)

	case instruction.Mem:
		buf = append(buf, byte(instr.Code))
		buf = leb128.AppendUint32(buf, instr.Align)
		buf = leb128.AppendUint32(buf, instr.Offset)

	case instruction.MemorySize:
		buf = append(buf, byte(opcode.MemorySize), 0x00)
	case instruction.MemoryGrow:
		buf = append(buf, byte(opcode.MemoryGrow), 0x00)

	case instruction.I32Const:
		buf = append(buf, byte(opcode.I32Const))
		buf = leb128.AppendInt32(buf, instr.Value)
	case instruction.I64Const:
		buf = append(buf, byte(opcode.I64Const))
		buf = leb128.AppendInt64(buf, instr.Value)
	case instruction.F32Const:
		buf = append(buf, byte(opcode.F32Const))
		bits := math.Float32bits(instr.Value)
		buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	case instruction.F64Const:
		buf = append(buf, byte(opcode.F64Const))
		bits := math.Float64bits(instr.Value)
		for i := 0; i < 8; i++ {
			buf = append(buf, byte(bits>>(8*i)))
		}

	case instruction.RefNull:
		buf = append(buf, byte(opcode.RefNull), byte(instr.Type))
	case instruction.RefIsNull:
		buf = append(buf, byte(opcode.RefIsNull))
	case instruction.RefFunc:
		buf = appendIndexed(buf, opcode.RefFunc, instr.Index)

	case instruction.MemoryInit:
		buf = appendExtended(buf, opcode.MemoryInit)
		buf = leb128.AppendUint32(buf, instr.DataIndex)
		buf = append(buf, 0x00)
	case instruction.DataDrop:
		buf = appendExtended(buf, opcode.DataDrop)
		buf = leb128.AppendUint32(buf, instr.DataIndex)
	case instruction.MemoryCopy:
		buf = appendExtended(buf, opcode.MemoryCopy)
		buf = append(buf, 0x00, 0x00)
	case instruction.MemoryFill:
		buf = appendExtended(buf, opcode.MemoryFill)
		buf = append(buf, 0x00)
	case instruction.TableInit:
		buf = appendExtended(buf, opcode.TableInit)
		buf = leb128.AppendUint32(buf, instr.ElemIndex)
		buf = leb128.AppendUint32(buf, instr.TableIndex)
	case instruction.ElemDrop:
		buf = appendExtended(buf, opcode.ElemDrop)
		buf = leb128.AppendUint32(buf, instr.ElemIndex)
	case instruction.TableCopy:
		buf = appendExtended(buf, opcode.TableCopy)
		buf = leb128.AppendUint32(buf, instr.DstTable)
		buf = leb128.AppendUint32(buf, instr.SrcTable)
	case instruction.TableGrow:
		buf = appendExtended(buf, opcode.TableGrow)
		buf = leb128.AppendUint32(buf, instr.Index)
	case instruction.TableSize:
		buf = appendExtended(buf, opcode.TableSize)
		buf = leb128.AppendUint32(buf, instr.Index)
	case instruction.TableFill:
		buf = appendExtended(buf, opcode.TableFill)
		buf = leb128.AppendUint32(buf, instr.Index)

	default:
		return nil, fmt.Errorf("cannot encode instruction %T", instr)
	}
	return buf, nil
}

func appendIndexed(buf []byte, op opcode.Opcode, index uint32) []byte {
	buf = append(buf, byte(op))
	return leb128.AppendUint32(buf, index)
}

func appendExtended(buf []byte, op opcode.ExtendedOpcode) []byte {
	buf = append(buf, byte(opcode.Extended))
	return leb128.AppendUint32(buf, uint32(op))
}
