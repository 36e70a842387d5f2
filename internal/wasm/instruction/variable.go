package instruction

import (
	"github.com/slowli/externref/internal/wasm/opcode"
)

// LocalGet represents the WASM local.get instruction.
type LocalGet struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (LocalGet) Op() opcode.Opcode { return opcode.LocalGet }

// LocalSet represents the WASM local.set instruction.
type LocalSet struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (LocalSet) Op() opcode.Opcode { return opcode.LocalSet }

// LocalTee represents the WASM local.tee instruction.
type LocalTee struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (LocalTee) Op() opcode.Opcode { return opcode.LocalTee }

// GlobalGet represents the WASM global.get instruction.
type GlobalGet struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (GlobalGet) Op() opcode.Opcode { return opcode.GlobalGet }

// GlobalSet represents the WASM global.set instruction.
type GlobalSet struct {
	Index uint32
}

// Op returns the opcode of the instruction.
func (GlobalSet) Op() opcode.Opcode { return opcode.GlobalSet }
