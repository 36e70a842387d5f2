// Package constant defines WASM binary-format layout constants.
package constant

// Magic is the WASM module preamble.
var Magic = []byte{0x00, 0x61, 0x73, 0x6d}

// Version is the supported binary format version.
var Version = []byte{0x01, 0x00, 0x00, 0x00}

// Section identifiers.
const (
	CustomSectionID    byte = 0
	TypeSectionID      byte = 1
	ImportSectionID    byte = 2
	FunctionSectionID  byte = 3
	TableSectionID     byte = 4
	MemorySectionID    byte = 5
	GlobalSectionID    byte = 6
	ExportSectionID    byte = 7
	StartSectionID     byte = 8
	ElementSectionID   byte = 9
	CodeSectionID      byte = 10
	DataSectionID      byte = 11
	DataCountSectionID byte = 12
)

// FunctionTypeID introduces a function type in the type section.
const FunctionTypeID byte = 0x60

// BlockTypeEmpty marks a block with no result in a structured instruction.
const BlockTypeEmpty byte = 0x40

// Import/export descriptor kinds.
const (
	ExternKindFunction byte = 0
	ExternKindTable    byte = 1
	ExternKindMemory   byte = 2
	ExternKindGlobal   byte = 3
)
