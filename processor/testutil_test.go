package processor

import (
	"bytes"
	"testing"

	externref "github.com/slowli/externref"
	"github.com/slowli/externref/internal/wasm/encoding"
	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/module"
	"github.com/slowli/externref/internal/wasm/types"
)

// moduleBuilder assembles small test modules. Function imports must be
// declared before local functions so that index bookkeeping stays
// trivial.
type moduleBuilder struct {
	t *testing.T
	m *module.Module

	funcImports uint32
}

func newModuleBuilder(t *testing.T) *moduleBuilder {
	t.Helper()
	return &moduleBuilder{t: t, m: &module.Module{Version: 1}}
}

func (b *moduleBuilder) importFunc(moduleName, name string, params, results []types.ValueType) uint32 {
	tpe := b.m.Type.AddFunctionType(types.Function{Params: params, Results: results})
	b.m.Import.Imports = append(b.m.Import.Imports, module.Import{
		Module:     moduleName,
		Name:       name,
		Descriptor: module.FunctionImport{Func: tpe},
	})
	idx := b.funcImports
	b.funcImports++
	return idx
}

// placeholders declares placeholder imports with their guest-side
// surrogate signatures, returning their function indices by name.
func (b *moduleBuilder) placeholders(names ...string) map[string]uint32 {
	indices := map[string]uint32{}
	for _, name := range names {
		var params, results []types.ValueType
		switch name {
		case "insert", "get":
			params, results = []types.ValueType{types.I32}, []types.ValueType{types.I32}
		case "drop":
			params = []types.ValueType{types.I32}
		case "guard":
		default:
			b.t.Fatalf("unknown placeholder %q", name)
		}
		indices[name] = b.importFunc(ImportModuleName, name, params, results)
	}
	return indices
}

func (b *moduleBuilder) addFunc(params, results, locals []types.ValueType, body []instruction.Instruction) uint32 {
	b.t.Helper()
	b.m.Function.TypeIndices = append(b.m.Function.TypeIndices,
		b.m.Type.AddFunctionType(types.Function{Params: params, Results: results}))

	var decls []module.LocalDeclaration
	for _, tpe := range locals {
		decls = append(decls, module.LocalDeclaration{Count: 1, Type: tpe})
	}
	seg, err := encoding.EncodeCodeEntry(&module.CodeEntry{
		Func: module.FunctionBody{
			Locals: decls,
			Expr:   module.Expr{Instrs: body},
		},
	})
	if err != nil {
		b.t.Fatal(err)
	}
	b.m.Code.Segments = append(b.m.Code.Segments, seg)
	return b.funcImports + uint32(len(b.m.Function.TypeIndices)) - 1
}

func (b *moduleBuilder) exportFunc(name string, idx uint32) {
	b.m.Export.Exports = append(b.m.Export.Exports, module.Export{
		Name:       name,
		Descriptor: module.ExportDescriptor{Type: module.FunctionExportType, Index: idx},
	})
}

func (b *moduleBuilder) nameFunc(idx uint32, name string) {
	b.m.Names.Functions = append(b.m.Names.Functions, module.NameMap{Index: idx, Name: name})
}

func (b *moduleBuilder) addGlobal(tpe types.ValueType, init instruction.Instruction) uint32 {
	b.m.Global.Globals = append(b.m.Global.Globals, module.Global{
		Type:    tpe,
		Mutable: true,
		Init:    module.Expr{Instrs: []instruction.Instruction{init}},
	})
	return uint32(len(b.m.Global.Globals) - 1)
}

func (b *moduleBuilder) catalog(functions ...externref.Function) {
	var data []byte
	for _, fn := range functions {
		data = fn.Encode(data)
	}
	b.m.Customs = append(b.m.Customs, module.Custom{
		Name: externref.CustomSectionName,
		Data: data,
	})
}

func (b *moduleBuilder) build() *module.Module { return b.m }

// buildBytes serializes the module; decoding the result (decodeModule,
// ProcessBytes) populates instruction offsets the same way it would for
// a real input.
func (b *moduleBuilder) buildBytes() []byte {
	b.t.Helper()
	var buf bytes.Buffer
	if err := encoding.WriteModule(&buf, b.m); err != nil {
		b.t.Fatal(err)
	}
	return buf.Bytes()
}

func decodeModule(t *testing.T, bs []byte) *module.Module {
	t.Helper()
	m, err := encoding.ReadModule(bytes.NewReader(bs))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// findExport returns the descriptor of the named export.
func findExport(t *testing.T, m *module.Module, name string) module.ExportDescriptor {
	t.Helper()
	for _, exp := range m.Export.Exports {
		if exp.Name == name {
			return exp.Descriptor
		}
	}
	t.Fatalf("export %q not found", name)
	return module.ExportDescriptor{}
}

func hasExport(m *module.Module, name string) bool {
	for _, exp := range m.Export.Exports {
		if exp.Name == name {
			return true
		}
	}
	return false
}

// collectInstructions flattens a body in traversal order.
func collectInstructions(instrs []instruction.Instruction) []instruction.Instruction {
	var flat []instruction.Instruction
	for _, instr := range instrs {
		flat = append(flat, instr)
		if structured, ok := instr.(instruction.Structured); ok {
			for _, seq := range structured.Sequences() {
				flat = append(flat, collectInstructions(*seq)...)
			}
		}
	}
	return flat
}

func localTypesOf(t *testing.T, m *module.Module, funcIndex uint32) []types.ValueType {
	t.Helper()
	entries, err := encoding.CodeEntries(m)
	if err != nil {
		t.Fatal(err)
	}
	local := funcIndex - uint32(m.ImportedFunctions())
	tpe, ok := m.FunctionType(funcIndex)
	if !ok {
		t.Fatalf("function %d has no type", funcIndex)
	}
	localTypes := append([]types.ValueType(nil), tpe.Params...)
	for _, decl := range entries[local].Func.Locals {
		for i := uint32(0); i < decl.Count; i++ {
			localTypes = append(localTypes, decl.Type)
		}
	}
	return localTypes
}
