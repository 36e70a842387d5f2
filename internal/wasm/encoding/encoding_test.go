package encoding

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/module"
	"github.com/slowli/externref/internal/wasm/opcode"
	"github.com/slowli/externref/internal/wasm/types"
)

func testModule() *module.Module {
	maxMem := uint32(16)
	start := uint32(2)
	m := &module.Module{Version: 1}
	m.Type.Functions = []types.Function{
		{Params: []types.ValueType{types.I32, types.I32}, Results: []types.ValueType{types.I32}},
		{Params: []types.ValueType{types.I32}},
		{},
	}
	m.Import.Imports = []module.Import{
		{Module: "env", Name: "add", Descriptor: module.FunctionImport{Func: 0}},
		{Module: "env", Name: "mem", Descriptor: module.MemoryImport{Mem: module.Limit{Min: 1, Max: &maxMem}}},
		{Module: "env", Name: "flag", Descriptor: module.GlobalImport{Type: types.I32, Mutable: true}},
	}
	m.Function.TypeIndices = []uint32{1, 2}
	m.Table.Tables = []module.Table{
		{Type: types.FuncRef, Lim: module.Limit{Min: 2}},
		{Type: types.ExternRef, Lim: module.Limit{Min: 0}},
	}
	m.Global.Globals = []module.Global{
		{
			Type:    types.I32,
			Mutable: true,
			Init:    module.Expr{Instrs: []instruction.Instruction{instruction.I32Const{Value: 1024}}},
		},
	}
	m.Export.Exports = []module.Export{
		{Name: "run", Descriptor: module.ExportDescriptor{Type: module.FunctionExportType, Index: 1}},
		{Name: "externrefs", Descriptor: module.ExportDescriptor{Type: module.TableExportType, Index: 1}},
	}
	m.Start.FuncIndex = &start
	m.Element.Segments = []module.ElementSegment{
		{
			Flags:   0,
			Offset:  &module.Expr{Instrs: []instruction.Instruction{instruction.I32Const{Value: 0}}},
			Indices: []uint32{1, 2},
		},
	}
	m.Data.Segments = []module.DataSegment{
		{
			Offset: &module.Expr{Instrs: []instruction.Instruction{instruction.I32Const{Value: 8}}},
			Init:   []byte("hello"),
		},
	}
	m.Names.Functions = []module.NameMap{{Index: 1, Name: "run"}, {Index: 2, Name: "init"}}
	m.Customs = []module.Custom{{Name: "producers", Data: []byte{1, 2, 3}}}

	runBody := &module.CodeEntry{
		Func: module.FunctionBody{
			Locals: []module.LocalDeclaration{{Count: 2, Type: types.I32}, {Count: 1, Type: types.F64}},
			Expr: module.Expr{Instrs: []instruction.Instruction{
				&instruction.Block{Instrs: []instruction.Instruction{
					&instruction.Loop{Instrs: []instruction.Instruction{
						instruction.LocalGet{Index: 0},
						&instruction.If{
							Type: instruction.ValueBlockType(types.I32),
							Then: []instruction.Instruction{instruction.I32Const{Value: 1}},
							Else: []instruction.Instruction{
								instruction.LocalGet{Index: 1},
								instruction.I32Const{Value: 3},
								instruction.Plain{Code: opcode.I32Sub},
							},
						},
						instruction.LocalSet{Index: 2},
						instruction.LocalGet{Index: 2},
						instruction.BrTable{Depths: []uint32{0, 1}, Default: 1},
					}},
				}},
				instruction.I32Const{Value: 0},
				instruction.LocalGet{Index: 0},
				instruction.LocalGet{Index: 1},
				instruction.Call{Index: 0},
				instruction.Mem{Code: opcode.I32Store, Align: 2, Offset: 16},
				instruction.F64Const{Value: 2.5},
				instruction.LocalSet{Index: 3},
			}},
		},
	}
	initBody := &module.CodeEntry{
		Func: module.FunctionBody{
			Expr: module.Expr{Instrs: []instruction.Instruction{
				instruction.RefNull{Type: types.ExternRef},
				instruction.Plain{Code: opcode.Drop},
				instruction.I32Const{Value: 0},
				instruction.TableGet{Index: 1},
				instruction.Plain{Code: opcode.Drop},
			}},
		},
	}
	for _, entry := range []*module.CodeEntry{runBody, initBody} {
		seg, err := EncodeCodeEntry(entry)
		if err != nil {
			panic(err)
		}
		m.Code.Segments = append(m.Code.Segments, seg)
	}
	return m
}

func TestRoundTrip(t *testing.T) {
	m := testModule()

	var buf bytes.Buffer
	if err := WriteModule(&buf, m); err != nil {
		t.Fatal(err)
	}
	encoded := buf.Bytes()

	m2, err := ReadModule(bytes.NewReader(encoded))
	if err != nil {
		t.Fatal(err)
	}
	var buf2 bytes.Buffer
	if err := WriteModule(&buf2, m2); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(encoded, buf2.Bytes()) {
		t.Fatal("encoding is not byte-stable across a round trip")
	}

	// Raw segments keep their decode offsets; compare decoded bodies.
	entries, err := CodeEntries(m)
	if err != nil {
		t.Fatal(err)
	}
	entries2, err := CodeEntries(m2)
	if err != nil {
		t.Fatal(err)
	}
	ignoreOffsets := cmpopts.IgnoreFields(instruction.Call{}, "Offset")
	if diff := cmp.Diff(entries, entries2, ignoreOffsets); diff != "" {
		t.Fatalf("decoded code entries differ (-first +second):\n%s", diff)
	}

	m.Code, m2.Code = module.RawCodeSection{}, module.RawCodeSection{}
	if diff := cmp.Diff(m, m2); diff != "" {
		t.Fatalf("modules differ (-first +second):\n%s", diff)
	}
}

func TestCodeEntryRoundTrip(t *testing.T) {
	m := testModule()
	entries, err := CodeEntries(m)
	if err != nil {
		t.Fatal(err)
	}
	for i, entry := range entries {
		seg, err := EncodeCodeEntry(entry)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(seg.Code, m.Code.Segments[i].Code) {
			t.Fatalf("code entry %d is not byte-stable", i)
		}
	}
}

func TestCallOffsetsRecorded(t *testing.T) {
	m := testModule()
	var buf bytes.Buffer
	if err := WriteModule(&buf, m); err != nil {
		t.Fatal(err)
	}
	m2, err := ReadModule(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	entries, err := CodeEntries(m2)
	if err != nil {
		t.Fatal(err)
	}

	var call *instruction.Call
	var find func(instrs []instruction.Instruction)
	find = func(instrs []instruction.Instruction) {
		for _, instr := range instrs {
			switch instr := instr.(type) {
			case instruction.Call:
				call = &instr
			case instruction.Structured:
				for _, seq := range instr.Sequences() {
					find(*seq)
				}
			}
		}
	}
	find(entries[0].Func.Expr.Instrs)
	if call == nil {
		t.Fatal("call instruction not found")
	}
	if call.Offset == 0 {
		t.Fatal("call offset not recorded")
	}
	if buf.Bytes()[call.Offset] != byte(opcode.Call) {
		t.Fatalf("offset %d does not point at a call opcode", call.Offset)
	}
}

func TestInvalidMagic(t *testing.T) {
	if _, err := ReadModule(bytes.NewReader([]byte{1, 2, 3, 4, 1, 0, 0, 0})); err == nil {
		t.Fatal("no error on invalid magic")
	}
}
