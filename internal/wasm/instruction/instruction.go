// Package instruction defines WASM instructions as tagged variants.
//
// Structured instructions (block, loop, if) own their nested instruction
// slices; branch targets are relative label depths, as in the binary
// format. The else and end delimiters are implicit in the structure.
package instruction

import (
	"github.com/slowli/externref/internal/wasm/opcode"
	"github.com/slowli/externref/internal/wasm/types"
)

// Instruction represents a single WASM instruction.
type Instruction interface {
	// Op returns the opcode of the instruction.
	Op() opcode.Opcode
}

// Structured is implemented by instructions that nest instruction
// sequences.
type Structured interface {
	Instruction
	// Sequences returns pointers to the nested sequences, in source order.
	Sequences() []*[]Instruction
}

// BlockType describes the type of a structured instruction. The zero
// value is the empty block type; otherwise exactly one of Value and
// TypeIndex is set.
type BlockType struct {
	Value     *types.ValueType
	TypeIndex *uint32
}

// ValueBlockType returns a block type with a single result.
func ValueBlockType(t types.ValueType) BlockType {
	return BlockType{Value: &t}
}

// Plain is an instruction without immediates.
type Plain struct {
	Code opcode.Opcode
}

// Op returns the opcode of the instruction.
func (p Plain) Op() opcode.Opcode { return p.Code }

// Extended is a 0xFC-prefixed instruction without immediates.
type Extended struct {
	Code opcode.ExtendedOpcode
}

// Op returns the opcode of the instruction.
func (Extended) Op() opcode.Opcode { return opcode.Extended }
