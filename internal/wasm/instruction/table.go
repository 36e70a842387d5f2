package instruction

import (
	"github.com/slowli/externref/internal/wasm/opcode"
)

// TableGet represents the WASM table.get instruction.
type TableGet struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (TableGet) Op() opcode.Opcode { return opcode.TableGet }

// TableSet represents the WASM table.set instruction.
type TableSet struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (TableSet) Op() opcode.Opcode { return opcode.TableSet }

// TableGrow represents the WASM table.grow instruction.
type TableGrow struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (TableGrow) Op() opcode.Opcode { return opcode.Extended }

// TableSize represents the WASM table.size instruction.
type TableSize struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (TableSize) Op() opcode.Opcode { return opcode.Extended }

// TableFill represents the WASM table.fill instruction.
type TableFill struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (TableFill) Op() opcode.Opcode { return opcode.Extended }

// TableInit represents the WASM table.init instruction.
type TableInit struct {
	ElemIndex  uint32
	TableIndex uint32
}

// Op returns the opcode of the instruction.
func (TableInit) Op() opcode.Opcode { return opcode.Extended }

// TableCopy represents the WASM table.copy instruction.
type TableCopy struct {
	DstTable uint32
	SrcTable uint32
}

// Op returns the opcode of the instruction.
func (TableCopy) Op() opcode.Opcode { return opcode.Extended }

// ElemDrop represents the WASM elem.drop instruction.
type ElemDrop struct {
	ElemIndex uint32
}

// Op returns the opcode of the instruction.
func (ElemDrop) Op() opcode.Opcode { return opcode.Extended }
