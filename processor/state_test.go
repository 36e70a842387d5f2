package processor

import (
	"errors"
	"testing"

	externref "github.com/slowli/externref"
	"github.com/slowli/externref/internal/wasm/encoding"
	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/opcode"
	"github.com/slowli/externref/internal/wasm/types"
)

func TestDetectingCallsToFunctionsReturningRef(t *testing.T) {
	b := newModuleBuilder(t)
	getRef := b.importFunc("test", "function", nil, []types.ValueType{types.I32})
	fn := b.addFunc([]types.ValueType{types.I32}, nil, []types.ValueType{types.I32}, []instruction.Instruction{
		// new local not required
		instruction.LocalGet{Index: 0},
		instruction.LocalSet{Index: 1},
		// new local required
		instruction.Call{Index: getRef},
		instruction.LocalSet{Index: 1},
		// new local used
		instruction.LocalGet{Index: 1},
		instruction.Plain{Code: opcode.Drop},
		// existing local should be used again after the tee
		instruction.LocalGet{Index: 0},
		instruction.LocalTee{Index: 1},
		instruction.Plain{Code: opcode.Drop},
		instruction.LocalGet{Index: 1},
		instruction.Plain{Code: opcode.Drop},
		// result consumed right away: no local involved
		instruction.Call{Index: getRef},
		instruction.Plain{Code: opcode.Drop},
	})
	b.exportFunc("test", fn)
	m := b.build()

	entries, err := encoding.CodeEntries(m)
	if err != nil {
		t.Fatal(err)
	}
	st := &state{p: New(), m: m, entries: entries}
	refReturning := map[uint32]bool{getRef: true}
	if err := st.transformLocalFn(fn, refReturning, true); err != nil {
		t.Fatal(err)
	}

	tpe, _ := m.FunctionType(fn)
	localTypes := append([]types.ValueType(nil), tpe.Params...)
	for _, decl := range entries[0].Func.Locals {
		for i := uint32(0); i < decl.Count; i++ {
			localTypes = append(localTypes, decl.Type)
		}
	}
	var refLocals []uint32
	for i, tpe := range localTypes {
		if tpe == types.ExternRef {
			refLocals = append(refLocals, uint32(i))
		}
	}
	if len(refLocals) != 1 {
		t.Fatalf("expected one externref local, got %v", refLocals)
	}
	refLocal := refLocals[0]

	mentions := 0
	for _, instr := range collectInstructions(entries[0].Func.Expr.Instrs) {
		switch instr := instr.(type) {
		case instruction.LocalGet:
			if instr.Index == refLocal {
				mentions++
			}
		case instruction.LocalSet:
			if instr.Index == refLocal {
				mentions++
			}
		case instruction.LocalTee:
			if instr.Index == refLocal {
				t.Fatal("local.tee of an integer value must not be redirected")
			}
		}
	}
	if mentions != 2 {
		t.Fatalf("expected 2 mentions of the externref local, got %d", mentions)
	}
}

func TestReassignmentRespected(t *testing.T) {
	b := newModuleBuilder(t)
	ph := b.placeholders("get", "guard")
	fn := b.addFunc(nil, nil, []types.ValueType{types.I32}, []instruction.Instruction{
		instruction.Call{Index: ph["guard"]},
		// store a reference-producing call into the local...
		instruction.I32Const{Value: 0},
		instruction.Call{Index: ph["get"]},
		instruction.LocalSet{Index: 0},
		// ...then an integer, which must win for the final read
		instruction.I32Const{Value: 42},
		instruction.LocalSet{Index: 0},
		instruction.LocalGet{Index: 0},
		instruction.Plain{Code: opcode.Drop},
	})
	b.exportFunc("fn", fn)
	b.catalog()

	m := decodeModule(t, b.buildBytes())
	if err := New().Process(m); err != nil {
		t.Fatal(err)
	}

	entries, err := encoding.CodeEntries(m)
	if err != nil {
		t.Fatal(err)
	}
	fnIdx := findExport(t, m, "fn").Index
	entry := entries[fnIdx-uint32(m.ImportedFunctions())]

	refLocals := 0
	for _, decl := range entry.Func.Locals {
		if decl.Type == types.ExternRef {
			refLocals += int(decl.Count)
		}
	}
	if refLocals != 1 {
		t.Fatalf("expected exactly one new externref local, got %d", refLocals)
	}

	var sets []uint32
	var gets []uint32
	for _, instr := range collectInstructions(entry.Func.Expr.Instrs) {
		switch instr := instr.(type) {
		case instruction.LocalSet:
			sets = append(sets, instr.Index)
		case instruction.LocalGet:
			gets = append(gets, instr.Index)
		}
	}
	if len(sets) != 2 || len(gets) != 1 {
		t.Fatalf("unexpected local accesses: sets %v, gets %v", sets, gets)
	}
	if sets[0] == 0 {
		t.Fatal("reference store was not redirected to a new local")
	}
	if sets[1] != 0 {
		t.Fatalf("integer store must keep targeting the original local, got %d", sets[1])
	}
	if gets[0] != 0 {
		t.Fatalf("read after integer reassignment must observe the original local, got %d", gets[0])
	}
}

func TestUnguardedReferenceCall(t *testing.T) {
	b := newModuleBuilder(t)
	ph := b.placeholders("get")
	fn := b.addFunc(nil, nil, []types.ValueType{types.I32}, []instruction.Instruction{
		instruction.I32Const{Value: 0},
		instruction.Call{Index: ph["get"]},
		instruction.LocalSet{Index: 0},
	})
	b.exportFunc("fn", fn)
	b.nameFunc(fn, "fn")
	b.catalog()

	_, err := New().ProcessBytes(b.buildBytes())
	var callErr *UnexpectedReferenceCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected unexpected-call error, got %v", err)
	}
	if callErr.FunctionName != "fn" {
		t.Fatalf("unexpected function name: %q", callErr.FunctionName)
	}
	if callErr.CodeOffset == nil {
		t.Fatal("code offset not reported")
	}
}

func TestParameterRetyping(t *testing.T) {
	b := newModuleBuilder(t)
	fn := b.addFunc([]types.ValueType{types.I32, types.I64, types.I32}, nil, nil, []instruction.Instruction{
		instruction.LocalGet{Index: 0},
		instruction.Plain{Code: opcode.Drop},
		instruction.LocalGet{Index: 2},
		instruction.Plain{Code: opcode.Drop},
	})
	b.exportFunc("handle", fn)
	b.catalog(externref.Function{
		Kind: externref.Export,
		Name: "handle",
		Refs: externref.NewBitSlice(3).WithSet(0).WithSet(2),
	})

	m := decodeModule(t, b.buildBytes())
	if err := New().Process(m); err != nil {
		t.Fatal(err)
	}

	tpe, ok := m.FunctionType(findExport(t, m, "handle").Index)
	if !ok {
		t.Fatal("export has no type")
	}
	expected := []types.ValueType{types.ExternRef, types.I64, types.ExternRef}
	for i, param := range expected {
		if tpe.Params[i] != param {
			t.Fatalf("unexpected parameter types: %v", tpe.Params)
		}
	}
}

func TestParameterReassignmentInExport(t *testing.T) {
	b := newModuleBuilder(t)
	fn := b.addFunc([]types.ValueType{types.I32}, nil, nil, []instruction.Instruction{
		// read the reference parameter
		instruction.LocalGet{Index: 0},
		instruction.Plain{Code: opcode.Drop},
		// reassign the slot to an integer
		instruction.I32Const{Value: 7},
		instruction.LocalSet{Index: 0},
		instruction.LocalGet{Index: 0},
		instruction.Plain{Code: opcode.Drop},
	})
	b.exportFunc("handle", fn)
	b.catalog(externref.Function{
		Kind: externref.Export,
		Name: "handle",
		Refs: externref.NewBitSlice(1).WithSet(0),
	})

	m := decodeModule(t, b.buildBytes())
	if err := New().Process(m); err != nil {
		t.Fatal(err)
	}

	fnIdx := findExport(t, m, "handle").Index
	tpe, _ := m.FunctionType(fnIdx)
	if tpe.Params[0] != types.ExternRef {
		t.Fatalf("parameter not retyped: %v", tpe.Params)
	}

	entries, err := encoding.CodeEntries(m)
	if err != nil {
		t.Fatal(err)
	}
	entry := entries[fnIdx-uint32(m.ImportedFunctions())]
	if len(entry.Func.Locals) != 1 || entry.Func.Locals[0].Type != types.I32 {
		t.Fatalf("expected one new i32 local for the reassigned slot, got %v", entry.Func.Locals)
	}

	var accesses []instruction.Instruction
	for _, instr := range collectInstructions(entry.Func.Expr.Instrs) {
		switch instr.(type) {
		case instruction.LocalGet, instruction.LocalSet:
			accesses = append(accesses, instr)
		}
	}
	// first read: the externref parameter; store + second read: the i32 local
	if accesses[0].(instruction.LocalGet).Index != 0 {
		t.Fatalf("first read must observe the parameter: %v", accesses)
	}
	redirect := accesses[1].(instruction.LocalSet).Index
	if redirect != 1 {
		t.Fatalf("integer store must be redirected to the new local: %v", accesses)
	}
	if accesses[2].(instruction.LocalGet).Index != redirect {
		t.Fatalf("read after reassignment must observe the new local: %v", accesses)
	}
}

func TestResultRetyping(t *testing.T) {
	b := newModuleBuilder(t)
	alloc := b.importFunc("arena", "alloc", []types.ValueType{types.I32, types.I32}, []types.ValueType{types.I32})
	fn := b.addFunc(nil, nil, nil, []instruction.Instruction{
		instruction.I32Const{Value: 0},
		instruction.I32Const{Value: 16},
		instruction.Call{Index: alloc},
		instruction.Plain{Code: opcode.Drop},
	})
	b.exportFunc("run", fn)
	b.catalog(externref.Function{
		Kind:   externref.Import,
		Module: "arena",
		Name:   "alloc",
		Refs:   externref.NewBitSlice(3).WithSet(0).WithSet(2),
	})

	m := decodeModule(t, b.buildBytes())
	if err := New().Process(m); err != nil {
		t.Fatal(err)
	}

	tpe, ok := m.FunctionType(0)
	if !ok || m.ImportedFunctions() != 1 {
		t.Fatalf("arena.alloc import missing after processing")
	}
	if tpe.Params[0] != types.ExternRef || tpe.Params[1] != types.I32 || tpe.Results[0] != types.ExternRef {
		t.Fatalf("unexpected patched import type: %v", tpe)
	}
}

func TestAbsentCatalogImport(t *testing.T) {
	b := newModuleBuilder(t)
	fn := b.addFunc(nil, nil, nil, nil)
	b.exportFunc("run", fn)
	// The catalog declares an import the module never uses.
	b.catalog(externref.Function{
		Kind:   externref.Import,
		Module: "arena",
		Name:   "alloc",
		Refs:   externref.NewBitSlice(3).WithSet(0),
	})

	if _, err := New().ProcessBytes(b.buildBytes()); err != nil {
		t.Fatalf("declared-but-unused import must not be an error, got %v", err)
	}
}

func TestMissingCatalogExport(t *testing.T) {
	b := newModuleBuilder(t)
	fn := b.addFunc(nil, nil, nil, nil)
	b.exportFunc("run", fn)
	b.catalog(externref.Function{
		Kind: externref.Export,
		Name: "missing",
		Refs: externref.NewBitSlice(1).WithSet(0),
	})

	_, err := New().ProcessBytes(b.buildBytes())
	var missingErr *MissingExportError
	if !errors.As(err, &missingErr) || missingErr.Name != "missing" {
		t.Fatalf("expected missing export error, got %v", err)
	}
}

func TestPatchTypeArityMismatch(t *testing.T) {
	fn := &externref.Function{
		Kind: externref.Export,
		Name: "test",
		Refs: externref.NewBitSlice(3).WithSet(0),
	}
	_, err := patchType(fn, types.Function{Params: []types.ValueType{types.I32}})
	var arityErr *ArityMismatchError
	if !errors.As(err, &arityErr) {
		t.Fatalf("expected arity error, got %v", err)
	}
	if arityErr.Expected != 3 || arityErr.Actual != 1 {
		t.Fatalf("unexpected arity details: %v", arityErr)
	}
}

func TestPatchTypeUnexpectedType(t *testing.T) {
	fn := &externref.Function{
		Kind:   externref.Import,
		Module: "arena",
		Name:   "alloc",
		Refs:   externref.NewBitSlice(2).WithSet(0),
	}
	_, err := patchType(fn, types.Function{
		Params:  []types.ValueType{types.F64},
		Results: []types.ValueType{types.I32},
	})
	var typeErr *UnexpectedTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected type error, got %v", err)
	}
	if typeErr.Location != Arg(0) || typeErr.Actual != types.F64 {
		t.Fatalf("unexpected error details: %v", typeErr)
	}
}

func TestPatchTypeRefInNonLastResult(t *testing.T) {
	fn := &externref.Function{
		Kind: externref.Export,
		Name: "test",
		Refs: externref.NewBitSlice(3).WithSet(1),
	}
	// Two results; the marked position is the first of them.
	_, err := patchType(fn, types.Function{
		Params:  []types.ValueType{types.I32},
		Results: []types.ValueType{types.I32, types.I32},
	})
	var typeErr *UnexpectedTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("expected type error, got %v", err)
	}
	if typeErr.Location != Result(0) {
		t.Fatalf("unexpected location: %v", typeErr.Location)
	}
}
