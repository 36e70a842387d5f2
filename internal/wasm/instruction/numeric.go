package instruction

import (
	"github.com/slowli/externref/internal/wasm/opcode"
)

// I32Const represents the WASM i32.const instruction.
type I32Const struct {
	Value int32
}

// Op returns the opcode of the instruction.
func (I32Const) Op() opcode.Opcode { return opcode.I32Const }

// I64Const represents the WASM i64.const instruction.
type I64Const struct {
	Value int64
}

// Op returns the opcode of the instruction.
func (I64Const) Op() opcode.Opcode { return opcode.I64Const }

// F32Const represents the WASM f32.const instruction.
type F32Const struct {
	Value float32
}

// Op returns the opcode of the instruction.
func (F32Const) Op() opcode.Opcode { return opcode.F32Const }

// F64Const represents the WASM f64.const instruction.
type F64Const struct {
	Value float64
}

// Op returns the opcode of the instruction.
func (F64Const) Op() opcode.Opcode { return opcode.F64Const }
