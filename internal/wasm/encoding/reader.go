package encoding

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/slowli/externref/internal/leb128"
	"github.com/slowli/externref/internal/wasm/constant"
	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/module"
	"github.com/slowli/externref/internal/wasm/opcode"
	"github.com/slowli/externref/internal/wasm/types"
)

type reader struct {
	buf *bufio.Reader
	pos uint32
}

func newReader(r io.Reader) *reader {
	return &reader{buf: bufio.NewReader(r)}
}

func newReaderAt(bs []byte, pos uint32) *reader {
	return &reader{buf: bufio.NewReader(bytes.NewReader(bs)), pos: pos}
}

func (r *reader) ReadByte() (byte, error) {
	b, err := r.buf.ReadByte()
	if err == nil {
		r.pos++
	}
	return b, err
}

func (r *reader) peekByte() (byte, error) {
	bs, err := r.buf.Peek(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

func (r *reader) read(n uint32) ([]byte, error) {
	bs := make([]byte, n)
	if _, err := io.ReadFull(r.buf, bs); err != nil {
		return nil, err
	}
	r.pos += n
	return bs, nil
}

func (r *reader) readU32() (uint32, error) {
	return leb128.DecodeUint32(r)
}

func (r *reader) readS32() (int32, error) {
	return leb128.DecodeInt32(r)
}

func (r *reader) readS64() (int64, error) {
	return leb128.DecodeInt64(r)
}

func (r *reader) readName() (string, error) {
	n, err := r.readU32()
	if err != nil {
		return "", err
	}
	bs, err := r.read(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(bs) {
		return "", fmt.Errorf("invalid UTF-8 in name")
	}
	return string(bs), nil
}

func (r *reader) readValueType() (types.ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if !types.Valid(b) {
		return 0, fmt.Errorf("invalid value type 0x%02x", b)
	}
	return types.ValueType(b), nil
}

func (r *reader) readRefType() (types.ValueType, error) {
	t, err := r.readValueType()
	if err != nil {
		return 0, err
	}
	if !types.Ref(t) {
		return 0, fmt.Errorf("expected reference type, got %v", t)
	}
	return t, nil
}

func (r *reader) readLimit() (module.Limit, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return module.Limit{}, err
	}
	min, err := r.readU32()
	if err != nil {
		return module.Limit{}, err
	}
	lim := module.Limit{Min: min}
	switch flag {
	case 0x00:
	case 0x01:
		max, err := r.readU32()
		if err != nil {
			return module.Limit{}, err
		}
		lim.Max = &max
	default:
		return module.Limit{}, fmt.Errorf("invalid limit flag 0x%02x", flag)
	}
	return lim, nil
}

func (r *reader) readTable() (module.Table, error) {
	elem, err := r.readRefType()
	if err != nil {
		return module.Table{}, err
	}
	lim, err := r.readLimit()
	if err != nil {
		return module.Table{}, err
	}
	return module.Table{Type: elem, Lim: lim}, nil
}

// ReadModule reads a binary-encoded WASM module from r.
func ReadModule(r io.Reader) (*module.Module, error) {
	br := newReader(r)
	magic, err := br.read(4)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(magic, constant.Magic) {
		return nil, fmt.Errorf("invalid magic prefix % x", magic)
	}
	version, err := br.read(4)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(version, constant.Version) {
		return nil, fmt.Errorf("unsupported binary format version % x", version)
	}

	m := &module.Module{Version: 1}
	for {
		id, err := br.ReadByte()
		if err == io.EOF {
			return m, nil
		} else if err != nil {
			return nil, err
		}
		size, err := br.readU32()
		if err != nil {
			return nil, err
		}
		start := br.pos
		if err := readSection(br, m, id, size); err != nil {
			return nil, fmt.Errorf("section %d: %w", id, err)
		}
		if br.pos-start != size {
			return nil, fmt.Errorf("section %d: declared %d bytes, consumed %d", id, size, br.pos-start)
		}
	}
}

func readSection(r *reader, m *module.Module, id byte, size uint32) error {
	switch id {
	case constant.CustomSectionID:
		return readCustomSection(r, m, size)
	case constant.TypeSectionID:
		return readTypeSection(r, m)
	case constant.ImportSectionID:
		return readImportSection(r, m)
	case constant.FunctionSectionID:
		return readFunctionSection(r, m)
	case constant.TableSectionID:
		return readTableSection(r, m)
	case constant.MemorySectionID:
		return readMemorySection(r, m)
	case constant.GlobalSectionID:
		return readGlobalSection(r, m)
	case constant.ExportSectionID:
		return readExportSection(r, m)
	case constant.StartSectionID:
		idx, err := r.readU32()
		if err != nil {
			return err
		}
		m.Start.FuncIndex = &idx
		return nil
	case constant.ElementSectionID:
		return readElementSection(r, m)
	case constant.DataCountSectionID:
		count, err := r.readU32()
		if err != nil {
			return err
		}
		m.DataCount.Count = &count
		return nil
	case constant.CodeSectionID:
		return readCodeSection(r, m)
	case constant.DataSectionID:
		return readDataSection(r, m)
	default:
		return fmt.Errorf("unknown section id %d", id)
	}
}

func readCustomSection(r *reader, m *module.Module, size uint32) error {
	start := r.pos
	name, err := r.readName()
	if err != nil {
		return err
	}
	data, err := r.read(size - (r.pos - start))
	if err != nil {
		return err
	}
	if name == "name" {
		// Malformed name sections do not invalidate a module; fall back
		// to keeping the section raw in that case.
		if err := readNameSection(newReaderAt(data, 0), uint32(len(data)), m); err == nil {
			return nil
		}
	}
	m.Customs = append(m.Customs, module.Custom{Name: name, Data: data})
	return nil
}

func readNameSection(r *reader, size uint32, m *module.Module) error {
	var names module.NameSection
	for r.pos < size {
		id, err := r.ReadByte()
		if err != nil {
			return err
		}
		subSize, err := r.readU32()
		if err != nil {
			return err
		}
		start := r.pos
		switch id {
		case 0:
			if names.Module, err = r.readName(); err != nil {
				return err
			}
		case 1:
			if names.Functions, err = readNameMap(r); err != nil {
				return err
			}
		case 2:
			n, err := r.readU32()
			if err != nil {
				return err
			}
			for i := uint32(0); i < n; i++ {
				funcIndex, err := r.readU32()
				if err != nil {
					return err
				}
				nameMap, err := readNameMap(r)
				if err != nil {
					return err
				}
				names.Locals = append(names.Locals, module.LocalNameMap{FuncIndex: funcIndex, NameMap: nameMap})
			}
		default:
			if _, err := r.read(subSize); err != nil {
				return err
			}
		}
		if r.pos-start != subSize {
			return fmt.Errorf("name subsection %d: declared %d bytes, consumed %d", id, subSize, r.pos-start)
		}
	}
	m.Names = names
	return nil
}

func readNameMap(r *reader) ([]module.NameMap, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	maps := make([]module.NameMap, 0, n)
	for i := uint32(0); i < n; i++ {
		idx, err := r.readU32()
		if err != nil {
			return nil, err
		}
		name, err := r.readName()
		if err != nil {
			return nil, err
		}
		maps = append(maps, module.NameMap{Index: idx, Name: name})
	}
	return maps, nil
}

func readTypeSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != constant.FunctionTypeID {
			return fmt.Errorf("invalid type form 0x%02x", form)
		}
		params, err := readValueTypeVec(r)
		if err != nil {
			return err
		}
		results, err := readValueTypeVec(r)
		if err != nil {
			return err
		}
		m.Type.Functions = append(m.Type.Functions, types.Function{Params: params, Results: results})
	}
	return nil
}

func readValueTypeVec(r *reader) ([]types.ValueType, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	vec := make([]types.ValueType, 0, n)
	for i := uint32(0); i < n; i++ {
		t, err := r.readValueType()
		if err != nil {
			return nil, err
		}
		vec = append(vec, t)
	}
	return vec, nil
}

func readImportSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		moduleName, err := r.readName()
		if err != nil {
			return err
		}
		name, err := r.readName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		var descriptor module.ImportDescriptor
		switch kind {
		case constant.ExternKindFunction:
			tpe, err := r.readU32()
			if err != nil {
				return err
			}
			descriptor = module.FunctionImport{Func: tpe}
		case constant.ExternKindTable:
			table, err := r.readTable()
			if err != nil {
				return err
			}
			descriptor = module.TableImport{Table: table}
		case constant.ExternKindMemory:
			lim, err := r.readLimit()
			if err != nil {
				return err
			}
			descriptor = module.MemoryImport{Mem: lim}
		case constant.ExternKindGlobal:
			tpe, err := r.readValueType()
			if err != nil {
				return err
			}
			mut, err := r.ReadByte()
			if err != nil {
				return err
			}
			descriptor = module.GlobalImport{Type: tpe, Mutable: mut == 1}
		default:
			return fmt.Errorf("invalid import kind 0x%02x", kind)
		}
		m.Import.Imports = append(m.Import.Imports, module.Import{
			Module:     moduleName,
			Name:       name,
			Descriptor: descriptor,
		})
	}
	return nil
}

func readFunctionSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		tpe, err := r.readU32()
		if err != nil {
			return err
		}
		m.Function.TypeIndices = append(m.Function.TypeIndices, tpe)
	}
	return nil
}

func readTableSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		table, err := r.readTable()
		if err != nil {
			return err
		}
		m.Table.Tables = append(m.Table.Tables, table)
	}
	return nil
}

func readMemorySection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		lim, err := r.readLimit()
		if err != nil {
			return err
		}
		m.Memory.Memories = append(m.Memory.Memories, lim)
	}
	return nil
}

func readGlobalSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		tpe, err := r.readValueType()
		if err != nil {
			return err
		}
		mut, err := r.ReadByte()
		if err != nil {
			return err
		}
		init, err := readConstantExpr(r)
		if err != nil {
			return err
		}
		m.Global.Globals = append(m.Global.Globals, module.Global{
			Type:    tpe,
			Mutable: mut == 1,
			Init:    init,
		})
	}
	return nil
}

func readConstantExpr(r *reader) (module.Expr, error) {
	instrs, end, err := readInstructions(r)
	if err != nil {
		return module.Expr{}, err
	}
	if end != byte(opcode.End) {
		return module.Expr{}, fmt.Errorf("unexpected delimiter 0x%02x in constant expression", end)
	}
	return module.Expr{Instrs: instrs}, nil
}

func readExportSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := r.readName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if kind > byte(module.GlobalExportType) {
			return fmt.Errorf("invalid export kind 0x%02x", kind)
		}
		index, err := r.readU32()
		if err != nil {
			return err
		}
		m.Export.Exports = append(m.Export.Exports, module.Export{
			Name: name,
			Descriptor: module.ExportDescriptor{
				Type:  module.ExportDescriptorType(kind),
				Index: index,
			},
		})
	}
	return nil
}

func readElementSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		seg, err := readElementSegment(r)
		if err != nil {
			return err
		}
		m.Element.Segments = append(m.Element.Segments, seg)
	}
	return nil
}

func readElementSegment(r *reader) (module.ElementSegment, error) {
	flags, err := r.readU32()
	if err != nil {
		return module.ElementSegment{}, err
	}
	seg := module.ElementSegment{Flags: flags}
	if flags > 7 {
		return seg, fmt.Errorf("invalid element segment flags %d", flags)
	}

	if flags == 2 || flags == 6 {
		if seg.TableIndex, err = r.readU32(); err != nil {
			return seg, err
		}
	}
	if flags&0x01 == 0 { // active
		offset, err := readConstantExpr(r)
		if err != nil {
			return seg, err
		}
		seg.Offset = &offset
	}
	if flags&0x04 == 0 { // function-index encoding
		if flags != 0 {
			if seg.ElemKind, err = r.ReadByte(); err != nil {
				return seg, err
			}
		}
		count, err := r.readU32()
		if err != nil {
			return seg, err
		}
		for j := uint32(0); j < count; j++ {
			idx, err := r.readU32()
			if err != nil {
				return seg, err
			}
			seg.Indices = append(seg.Indices, idx)
		}
	} else { // expression encoding
		if flags != 4 {
			tpe, err := r.readRefType()
			if err != nil {
				return seg, err
			}
			seg.Type = &tpe
		}
		count, err := r.readU32()
		if err != nil {
			return seg, err
		}
		for j := uint32(0); j < count; j++ {
			init, err := readConstantExpr(r)
			if err != nil {
				return seg, err
			}
			seg.Inits = append(seg.Inits, init)
		}
	}
	return seg, nil
}

func readCodeSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		size, err := r.readU32()
		if err != nil {
			return err
		}
		offset := r.pos
		code, err := r.read(size)
		if err != nil {
			return err
		}
		m.Code.Segments = append(m.Code.Segments, module.RawCodeSegment{Code: code, Offset: offset})
	}
	return nil
}

func readDataSection(r *reader, m *module.Module) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		flags, err := r.readU32()
		if err != nil {
			return err
		}
		var seg module.DataSegment
		switch flags {
		case 0, 2:
			if flags == 2 {
				if seg.MemoryIndex, err = r.readU32(); err != nil {
					return err
				}
			}
			offset, err := readConstantExpr(r)
			if err != nil {
				return err
			}
			seg.Offset = &offset
		case 1: // passive
		default:
			return fmt.Errorf("invalid data segment flags %d", flags)
		}
		size, err := r.readU32()
		if err != nil {
			return err
		}
		if seg.Init, err = r.read(size); err != nil {
			return err
		}
		m.Data.Segments = append(m.Data.Segments, seg)
	}
	return nil
}

// CodeEntries decodes all code segments of m.
func CodeEntries(m *module.Module) ([]*module.CodeEntry, error) {
	entries := make([]*module.CodeEntry, len(m.Code.Segments))
	for i, seg := range m.Code.Segments {
		entry, err := ReadCodeEntry(seg)
		if err != nil {
			return nil, fmt.Errorf("code entry %d: %w", i, err)
		}
		entries[i] = entry
	}
	return entries, nil
}

// ReadCodeEntry decodes a single raw code segment. Instruction offsets
// are derived from the segment offset.
func ReadCodeEntry(seg module.RawCodeSegment) (*module.CodeEntry, error) {
	r := newReaderAt(seg.Code, seg.Offset)
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	var entry module.CodeEntry
	for i := uint32(0); i < n; i++ {
		count, err := r.readU32()
		if err != nil {
			return nil, err
		}
		tpe, err := r.readValueType()
		if err != nil {
			return nil, err
		}
		entry.Func.Locals = append(entry.Func.Locals, module.LocalDeclaration{Count: count, Type: tpe})
	}
	instrs, end, err := readInstructions(r)
	if err != nil {
		return nil, err
	}
	if end != byte(opcode.End) {
		return nil, fmt.Errorf("unexpected delimiter 0x%02x at end of body", end)
	}
	if r.pos-seg.Offset != uint32(len(seg.Code)) {
		return nil, fmt.Errorf("trailing bytes after function body")
	}
	entry.Func.Expr.Instrs = instrs
	return &entry, nil
}

func (r *reader) readBlockType() (instruction.BlockType, error) {
	b, err := r.peekByte()
	if err != nil {
		return instruction.BlockType{}, err
	}
	switch {
	case b == constant.BlockTypeEmpty:
		_, _ = r.ReadByte()
		return instruction.BlockType{}, nil
	case types.Valid(b):
		_, _ = r.ReadByte()
		t := types.ValueType(b)
		return instruction.BlockType{Value: &t}, nil
	default:
		v, err := leb128.DecodeInt33(r)
		if err != nil {
			return instruction.BlockType{}, err
		}
		if v < 0 || v > math.MaxUint32 {
			return instruction.BlockType{}, fmt.Errorf("invalid block type index %d", v)
		}
		idx := uint32(v)
		return instruction.BlockType{TypeIndex: &idx}, nil
	}
}

// readInstructions decodes instructions until an end or else delimiter,
// which is consumed and returned.
func readInstructions(r *reader) ([]instruction.Instruction, byte, error) {
	var instrs []instruction.Instruction
	for {
		opcodePos := r.pos
		b, err := r.ReadByte()
		if err != nil {
			return nil, 0, err
		}
		op := opcode.Opcode(b)
		switch op {
		case opcode.End, opcode.Else:
			return instrs, b, nil

		case opcode.Block, opcode.Loop:
			blockType, err := r.readBlockType()
			if err != nil {
				return nil, 0, err
			}
			nested, end, err := readInstructions(r)
			if err != nil {
				return nil, 0, err
			}
			if end != byte(opcode.End) {
				return nil, 0, fmt.Errorf("unexpected else in %v", op)
			}
			if op == opcode.Block {
				instrs = append(instrs, &instruction.Block{Type: blockType, Instrs: nested})
			} else {
				instrs = append(instrs, &instruction.Loop{Type: blockType, Instrs: nested})
			}

		case opcode.If:
			blockType, err := r.readBlockType()
			if err != nil {
				return nil, 0, err
			}
			then, end, err := readInstructions(r)
			if err != nil {
				return nil, 0, err
			}
			ifInstr := &instruction.If{Type: blockType, Then: then}
			if end == byte(opcode.Else) {
				elseInstrs, end, err := readInstructions(r)
				if err != nil {
					return nil, 0, err
				}
				if end != byte(opcode.End) {
					return nil, 0, fmt.Errorf("unterminated else arm")
				}
				ifInstr.Else = elseInstrs
			}
			instrs = append(instrs, ifInstr)

		case opcode.Br, opcode.BrIf:
			depth, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			if op == opcode.Br {
				instrs = append(instrs, instruction.Br{Depth: depth})
			} else {
				instrs = append(instrs, instruction.BrIf{Depth: depth})
			}

		case opcode.BrTable:
			n, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			depths := make([]uint32, n)
			for i := range depths {
				if depths[i], err = r.readU32(); err != nil {
					return nil, 0, err
				}
			}
			def, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.BrTable{Depths: depths, Default: def})

		case opcode.Call:
			index, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.Call{Index: index, Offset: opcodePos})

		case opcode.CallIndirect:
			typeIndex, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			tableIndex, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.CallIndirect{TypeIndex: typeIndex, TableIndex: tableIndex})

		case opcode.TypedSelect:
			selTypes, err := readValueTypeVec(r)
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.TypedSelect{Types: selTypes})

		case opcode.LocalGet, opcode.LocalSet, opcode.LocalTee, opcode.GlobalGet, opcode.GlobalSet,
			opcode.TableGet, opcode.TableSet:
			index, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			switch op {
			case opcode.LocalGet:
				instrs = append(instrs, instruction.LocalGet{Index: index})
			case opcode.LocalSet:
				instrs = append(instrs, instruction.LocalSet{Index: index})
			case opcode.LocalTee:
				instrs = append(instrs, instruction.LocalTee{Index: index})
			case opcode.GlobalGet:
				instrs = append(instrs, instruction.GlobalGet{Index: index})
			case opcode.GlobalSet:
				instrs = append(instrs, instruction.GlobalSet{Index: index})
			case opcode.TableGet:
				instrs = append(instrs, instruction.TableGet{Index: index})
			case opcode.TableSet:
				instrs = append(instrs, instruction.TableSet{Index: index})
			}

		case opcode.I32Load, opcode.I64Load, opcode.F32Load, opcode.F64Load,
			opcode.I32Load8S, opcode.I32Load8U, opcode.I32Load16S, opcode.I32Load16U,
			opcode.I64Load8S, opcode.I64Load8U, opcode.I64Load16S, opcode.I64Load16U,
			opcode.I64Load32S, opcode.I64Load32U,
			opcode.I32Store, opcode.I64Store, opcode.F32Store, opcode.F64Store,
			opcode.I32Store8, opcode.I32Store16,
			opcode.I64Store8, opcode.I64Store16, opcode.I64Store32:
			align, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			offset, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.Mem{Code: op, Align: align, Offset: offset})

		case opcode.MemorySize, opcode.MemoryGrow:
			if _, err := r.ReadByte(); err != nil { // reserved memory index
				return nil, 0, err
			}
			if op == opcode.MemorySize {
				instrs = append(instrs, instruction.MemorySize{})
			} else {
				instrs = append(instrs, instruction.MemoryGrow{})
			}

		case opcode.I32Const:
			v, err := r.readS32()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.I32Const{Value: v})

		case opcode.I64Const:
			v, err := r.readS64()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.I64Const{Value: v})

		case opcode.F32Const:
			bs, err := r.read(4)
			if err != nil {
				return nil, 0, err
			}
			bits := uint32(bs[0]) | uint32(bs[1])<<8 | uint32(bs[2])<<16 | uint32(bs[3])<<24
			instrs = append(instrs, instruction.F32Const{Value: math.Float32frombits(bits)})

		case opcode.F64Const:
			bs, err := r.read(8)
			if err != nil {
				return nil, 0, err
			}
			var bits uint64
			for i, b := range bs {
				bits |= uint64(b) << (8 * i)
			}
			instrs = append(instrs, instruction.F64Const{Value: math.Float64frombits(bits)})

		case opcode.RefNull:
			t, err := r.readRefType()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.RefNull{Type: t})

		case opcode.RefIsNull:
			instrs = append(instrs, instruction.RefIsNull{})

		case opcode.RefFunc:
			index, err := r.readU32()
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instruction.RefFunc{Index: index})

		case opcode.Extended:
			instr, err := readExtendedInstruction(r)
			if err != nil {
				return nil, 0, err
			}
			instrs = append(instrs, instr)

		default:
			if isPlain(op) {
				instrs = append(instrs, instruction.Plain{Code: op})
			} else {
				return nil, 0, fmt.Errorf("unsupported opcode 0x%02x at offset %d", b, opcodePos)
			}
		}
	}
}

func isPlain(op opcode.Opcode) bool {
	switch op {
	case opcode.Unreachable, opcode.Nop, opcode.Return, opcode.Drop, opcode.Select:
		return true
	}
	return op >= opcode.I32Eqz && op <= opcode.I64Extend32S
}

func readExtendedInstruction(r *reader) (instruction.Instruction, error) {
	code, err := r.readU32()
	if err != nil {
		return nil, err
	}
	op := opcode.ExtendedOpcode(code)
	switch op {
	case opcode.I32TruncSatF32S, opcode.I32TruncSatF32U, opcode.I32TruncSatF64S, opcode.I32TruncSatF64U,
		opcode.I64TruncSatF32S, opcode.I64TruncSatF32U, opcode.I64TruncSatF64S, opcode.I64TruncSatF64U:
		return instruction.Extended{Code: op}, nil
	case opcode.MemoryInit:
		dataIndex, err := r.readU32()
		if err != nil {
			return nil, err
		}
		if _, err := r.ReadByte(); err != nil { // reserved memory index
			return nil, err
		}
		return instruction.MemoryInit{DataIndex: dataIndex}, nil
	case opcode.DataDrop:
		dataIndex, err := r.readU32()
		if err != nil {
			return nil, err
		}
		return instruction.DataDrop{DataIndex: dataIndex}, nil
	case opcode.MemoryCopy:
		if _, err := r.read(2); err != nil { // reserved memory indices
			return nil, err
		}
		return instruction.MemoryCopy{}, nil
	case opcode.MemoryFill:
		if _, err := r.ReadByte(); err != nil { // reserved memory index
			return nil, err
		}
		return instruction.MemoryFill{}, nil
	case opcode.TableInit:
		elemIndex, err := r.readU32()
		if err != nil {
			return nil, err
		}
		tableIndex, err := r.readU32()
		if err != nil {
			return nil, err
		}
		return instruction.TableInit{ElemIndex: elemIndex, TableIndex: tableIndex}, nil
	case opcode.ElemDrop:
		elemIndex, err := r.readU32()
		if err != nil {
			return nil, err
		}
		return instruction.ElemDrop{ElemIndex: elemIndex}, nil
	case opcode.TableCopy:
		dst, err := r.readU32()
		if err != nil {
			return nil, err
		}
		src, err := r.readU32()
		if err != nil {
			return nil, err
		}
		return instruction.TableCopy{DstTable: dst, SrcTable: src}, nil
	case opcode.TableGrow:
		index, err := r.readU32()
		if err != nil {
			return nil, err
		}
		return instruction.TableGrow{Index: index}, nil
	case opcode.TableSize:
		index, err := r.readU32()
		if err != nil {
			return nil, err
		}
		return instruction.TableSize{Index: index}, nil
	case opcode.TableFill:
		index, err := r.readU32()
		if err != nil {
			return nil, err
		}
		return instruction.TableFill{Index: index}, nil
	default:
		return nil, fmt.Errorf("unsupported extended opcode %d", code)
	}
}
