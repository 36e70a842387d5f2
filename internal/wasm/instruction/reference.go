package instruction

import (
	"github.com/slowli/externref/internal/wasm/opcode"
	"github.com/slowli/externref/internal/wasm/types"
)

// RefNull represents the WASM ref.null instruction.
type RefNull struct {
	Type types.ValueType
}

// Op returns the opcode of the instruction.
func (RefNull) Op() opcode.Opcode { return opcode.RefNull }

// RefIsNull represents the WASM ref.is_null instruction.
type RefIsNull struct{}

// Op returns the opcode of the instruction.
func (RefIsNull) Op() opcode.Opcode { return opcode.RefIsNull }

// RefFunc represents the WASM ref.func instruction.
type RefFunc struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (RefFunc) Op() opcode.Opcode { return opcode.RefFunc }

// TypedSelect represents the WASM select instruction with explicit types.
type TypedSelect struct {
	Types []types.ValueType
}

// Op returns the opcode of the instruction.
func (TypedSelect) Op() opcode.Opcode { return opcode.TypedSelect }
