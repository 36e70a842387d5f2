package instruction

import (
	"github.com/slowli/externref/internal/wasm/opcode"
)

// Block represents the WASM block instruction.
type Block struct {
	Type   BlockType
	Instrs []Instruction
}

// Op returns the opcode of the instruction.
func (Block) Op() opcode.Opcode { return opcode.Block }

// Sequences returns the nested instruction sequences.
func (b *Block) Sequences() []*[]Instruction { return []*[]Instruction{&b.Instrs} }

// Loop represents the WASM loop instruction.
type Loop struct {
	Type   BlockType
	Instrs []Instruction
}

// Op returns the opcode of the instruction.
func (Loop) Op() opcode.Opcode { return opcode.Loop }

// Sequences returns the nested instruction sequences.
func (l *Loop) Sequences() []*[]Instruction { return []*[]Instruction{&l.Instrs} }

// If represents the WASM if instruction with an optional else arm.
type If struct {
	Type BlockType
	Then []Instruction
	Else []Instruction
}

// Op returns the opcode of the instruction.
func (If) Op() opcode.Opcode { return opcode.If }

// Sequences returns the nested instruction sequences.
func (i *If) Sequences() []*[]Instruction { return []*[]Instruction{&i.Then, &i.Else} }

// Br represents the WASM br instruction. Depth is a relative label depth.
type Br struct {
	Depth uint32
}

// Op returns the opcode of the instruction.
func (Br) Op() opcode.Opcode { return opcode.Br }

// BrIf represents the WASM br_if instruction.
type BrIf struct {
	Depth uint32
}

// Op returns the opcode of the instruction.
func (BrIf) Op() opcode.Opcode { return opcode.BrIf }

// BrTable represents the WASM br_table instruction.
type BrTable struct {
	Depths  []uint32
	Default uint32
}

// Op returns the opcode of the instruction.
func (BrTable) Op() opcode.Opcode { return opcode.BrTable }

// Call represents the WASM call instruction.
//
// Offset is the byte offset of the instruction in the binary the module
// was decoded from; it is zero for synthesized instructions and is
// ignored when encoding.
type Call struct {
	Index  uint32
	Offset uint32
}

// Op returns the opcode of the instruction.
func (Call) Op() opcode.Opcode { return opcode.Call }

// CallIndirect represents the WASM call_indirect instruction.
type CallIndirect struct {
	TypeIndex  uint32
	TableIndex uint32
}

// Op returns the opcode of the instruction.
func (CallIndirect) Op() opcode.Opcode { return opcode.CallIndirect }
