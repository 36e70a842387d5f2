// Package module provides a mutable low-level WASM module representation.
package module

import (
	"github.com/slowli/externref/internal/wasm/instruction"
	"github.com/slowli/externref/internal/wasm/types"
)

// Module represents a parsed WASM module.
type Module struct {
	Version   uint32
	Type      TypeSection
	Import    ImportSection
	Function  FunctionSection
	Table     TableSection
	Memory    MemorySection
	Global    GlobalSection
	Export    ExportSection
	Start     StartSection
	Element   ElementSection
	DataCount DataCountSection
	Code      RawCodeSection
	Data      RawDataSection
	Customs   []Custom
	Names     NameSection
}

// TypeSection represents a WASM type section.
type TypeSection struct {
	Functions []types.Function
}

// AddFunctionType returns the index of tpe in the type pool, adding it
// if no equal type is declared yet.
func (s *TypeSection) AddFunctionType(tpe types.Function) uint32 {
	for i, fn := range s.Functions {
		if fn.Equal(tpe) {
			return uint32(i)
		}
	}
	s.Functions = append(s.Functions, tpe)
	return uint32(len(s.Functions) - 1)
}

// ImportSection represents a WASM import section.
type ImportSection struct {
	Imports []Import
}

// Import represents a WASM import statement.
type Import struct {
	Module     string
	Name       string
	Descriptor ImportDescriptor
}

// ImportDescriptorType defines the import descriptor kinds.
type ImportDescriptorType byte

// Defined import descriptor kinds.
const (
	FunctionImportType ImportDescriptorType = iota
	TableImportType
	MemoryImportType
	GlobalImportType
)

// ImportDescriptor defines the type of an import.
type ImportDescriptor interface {
	Kind() ImportDescriptorType
}

// FunctionImport represents a WASM function import statement.
type FunctionImport struct {
	Func uint32 // type index
}

// Kind returns the import descriptor kind.
func (FunctionImport) Kind() ImportDescriptorType { return FunctionImportType }

// TableImport represents a WASM table import statement.
type TableImport struct {
	Table Table
}

// Kind returns the import descriptor kind.
func (TableImport) Kind() ImportDescriptorType { return TableImportType }

// MemoryImport represents a WASM memory import statement.
type MemoryImport struct {
	Mem Limit
}

// Kind returns the import descriptor kind.
func (MemoryImport) Kind() ImportDescriptorType { return MemoryImportType }

// GlobalImport represents a WASM global import statement.
type GlobalImport struct {
	Type    types.ValueType
	Mutable bool
}

// Kind returns the import descriptor kind.
func (GlobalImport) Kind() ImportDescriptorType { return GlobalImportType }

// FunctionSection represents a WASM function section: one type index
// per locally defined function.
type FunctionSection struct {
	TypeIndices []uint32
}

// TableSection represents a WASM table section.
type TableSection struct {
	Tables []Table
}

// Table represents a WASM table statement.
type Table struct {
	Type types.ValueType
	Lim  Limit
}

// Limit represents a WASM limit; Max is nil when unbounded.
type Limit struct {
	Min uint32
	Max *uint32
}

// MemorySection represents a WASM memory section.
type MemorySection struct {
	Memories []Limit
}

// GlobalSection represents a WASM global section.
type GlobalSection struct {
	Globals []Global
}

// Global represents a WASM global statement.
type Global struct {
	Type    types.ValueType
	Mutable bool
	Init    Expr
}

// Expr represents a constant-expression or function body.
type Expr struct {
	Instrs []instruction.Instruction
}

// ExportSection represents a WASM export section.
type ExportSection struct {
	Exports []Export
}

// Export represents a WASM export statement.
type Export struct {
	Name       string
	Descriptor ExportDescriptor
}

// ExportDescriptorType defines the export descriptor kinds.
type ExportDescriptorType byte

// Defined export descriptor kinds.
const (
	FunctionExportType ExportDescriptorType = iota
	TableExportType
	MemoryExportType
	GlobalExportType
)

// ExportDescriptor represents a WASM export descriptor.
type ExportDescriptor struct {
	Type  ExportDescriptorType
	Index uint32
}

// StartSection represents a WASM start section.
type StartSection struct {
	FuncIndex *uint32
}

// ElementSection represents a WASM element section.
type ElementSection struct {
	Segments []ElementSegment
}

// ElementSegment represents a WASM element segment.
//
// Flags keep the binary-format segment kind. Active segments carry an
// Offset; segments encoded with function indices fill Indices, and
// expression-encoded segments fill Inits.
type ElementSegment struct {
	Flags      uint32
	TableIndex uint32
	Offset     *Expr
	ElemKind   byte
	Type       *types.ValueType
	Indices    []uint32
	Inits      []Expr
}

// DataCountSection represents a WASM data count section.
type DataCountSection struct {
	Count *uint32
}

// RawCodeSection represents a WASM code section with undecoded entries.
type RawCodeSection struct {
	Segments []RawCodeSegment
}

// RawCodeSegment represents a single undecoded code entry. Offset is
// the position of the entry body in the binary the module was decoded
// from (zero when unknown).
type RawCodeSegment struct {
	Code   []byte
	Offset uint32
}

// RawDataSection represents a WASM data section.
type RawDataSection struct {
	Segments []DataSegment
}

// DataSegment represents a WASM data segment; Offset is nil for
// passive segments.
type DataSegment struct {
	MemoryIndex uint32
	Offset      *Expr
	Init        []byte
}

// Custom represents a custom section that the decoder does not
// interpret.
type Custom struct {
	Name string
	Data []byte
}

// NameSection represents the contents of the "name" custom section.
type NameSection struct {
	Module    string
	Functions []NameMap
	Locals    []LocalNameMap
}

// Empty reports whether the section carries no names.
func (s NameSection) Empty() bool {
	return s.Module == "" && len(s.Functions) == 0 && len(s.Locals) == 0
}

// NameMap maps an index to a name.
type NameMap struct {
	Index uint32
	Name  string
}

// LocalNameMap maps locals of a function to names.
type LocalNameMap struct {
	FuncIndex uint32
	NameMap   []NameMap
}

// CodeEntry represents a decoded code entry.
type CodeEntry struct {
	Func FunctionBody
}

// FunctionBody represents a function body: local declarations plus code.
type FunctionBody struct {
	Locals []LocalDeclaration
	Expr   Expr
}

// LocalDeclaration represents a run of locals sharing one type.
type LocalDeclaration struct {
	Count uint32
	Type  types.ValueType
}

// ImportedFunctions returns the number of imported functions. Imported
// functions precede locally defined ones in the function index space.
func (m *Module) ImportedFunctions() int {
	n := 0
	for _, imp := range m.Import.Imports {
		if imp.Descriptor.Kind() == FunctionImportType {
			n++
		}
	}
	return n
}

// ImportedTables returns the number of imported tables.
func (m *Module) ImportedTables() int {
	n := 0
	for _, imp := range m.Import.Imports {
		if imp.Descriptor.Kind() == TableImportType {
			n++
		}
	}
	return n
}

// FunctionTypeIndex returns the type index of the function with the
// given index in the function index space.
func (m *Module) FunctionTypeIndex(funcIndex uint32) (uint32, bool) {
	i := uint32(0)
	for _, imp := range m.Import.Imports {
		if imp.Descriptor.Kind() != FunctionImportType {
			continue
		}
		if i == funcIndex {
			return imp.Descriptor.(FunctionImport).Func, true
		}
		i++
	}
	local := funcIndex - i
	if int(local) >= len(m.Function.TypeIndices) {
		return 0, false
	}
	return m.Function.TypeIndices[local], true
}

// FunctionType returns the type of the function with the given index in
// the function index space.
func (m *Module) FunctionType(funcIndex uint32) (types.Function, bool) {
	tpe, ok := m.FunctionTypeIndex(funcIndex)
	if !ok || int(tpe) >= len(m.Type.Functions) {
		return types.Function{}, false
	}
	return m.Type.Functions[tpe], true
}

// FunctionName returns the name of the function with the given index
// per the name section, or "" if it has none.
func (m *Module) FunctionName(funcIndex uint32) string {
	for _, nm := range m.Names.Functions {
		if nm.Index == funcIndex {
			return nm.Name
		}
	}
	return ""
}
