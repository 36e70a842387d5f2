package instruction

import (
	"github.com/slowli/externref/internal/wasm/opcode"
)

// Mem represents any WASM load or store instruction; Code selects which.
type Mem struct {
	Code   opcode.Opcode
	Align  uint32
	Offset uint32
}

// Op returns the opcode of the instruction.
func (m Mem) Op() opcode.Opcode { return m.Code }

// MemorySize represents the WASM memory.size instruction.
type MemorySize struct{}

// Op returns the opcode of the instruction.
func (MemorySize) Op() opcode.Opcode { return opcode.MemorySize }

// MemoryGrow represents the WASM memory.grow instruction.
type MemoryGrow struct{}

// Op returns the opcode of the instruction.
func (MemoryGrow) Op() opcode.Opcode { return opcode.MemoryGrow }

// MemoryInit represents the WASM memory.init instruction.
type MemoryInit struct {
	DataIndex uint32
}

// Op returns the opcode of the instruction.
func (MemoryInit) Op() opcode.Opcode { return opcode.Extended }

// DataDrop represents the WASM data.drop instruction.
type DataDrop struct {
	DataIndex uint32
}

// Op returns the opcode of the instruction.
func (DataDrop) Op() opcode.Opcode { return opcode.Extended }

// MemoryCopy represents the WASM memory.copy instruction.
type MemoryCopy struct{}

// Op returns the opcode of the instruction.
func (MemoryCopy) Op() opcode.Opcode { return opcode.Extended }

// MemoryFill represents the WASM memory.fill instruction.
type MemoryFill struct{}

// Op returns the opcode of the instruction.
func (MemoryFill) Op() opcode.Opcode { return opcode.Extended }
