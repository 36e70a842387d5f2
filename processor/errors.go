// Package processor rewrites WASM modules produced with integer
// surrogates in place of externref values, so that the module boundary
// uses real externref types backed by a module-local reference table.
package processor

import (
	"fmt"

	"github.com/slowli/externref/internal/wasm/types"
)

// LocationKind distinguishes argument locations from return locations.
type LocationKind byte

// Defined location kinds.
const (
	ArgLocation LocationKind = iota
	ResultLocation
)

// Location identifies an argument or return type of a function.
type Location struct {
	Kind  LocationKind
	Index int
}

// Arg returns the location of the argument with the given index.
func Arg(idx int) Location { return Location{Kind: ArgLocation, Index: idx} }

// Result returns the location of the return type with the given index.
func Result(idx int) Location { return Location{Kind: ResultLocation, Index: idx} }

func (l Location) String() string {
	if l.Kind == ArgLocation {
		return fmt.Sprintf("arg #%d", l.Index)
	}
	return fmt.Sprintf("return type #%d", l.Index)
}

// MalformedModuleError means the input could not be parsed or the
// output could not be serialized.
type MalformedModuleError struct {
	cause error
}

func (e *MalformedModuleError) Error() string {
	return fmt.Sprintf("failed reading or writing WASM module: %s", e.cause)
}

// Unwrap returns the parse or serialization failure.
func (e *MalformedModuleError) Unwrap() error { return e.cause }

// MissingExportError means the catalog references an export that is not
// present in the module.
type MissingExportError struct {
	Name string
}

func (e *MissingExportError) Error() string {
	return fmt.Sprintf("missing exported function %q", e.Name)
}

// UnexpectedExportKindError means a catalog export is not a function.
type UnexpectedExportKindError struct {
	Name string
}

func (e *UnexpectedExportKindError) Error() string {
	return fmt.Sprintf("unexpected type of export %q; expected a function", e.Name)
}

// UnexpectedImportKindError means a placeholder or catalog import is
// not a function.
type UnexpectedImportKindError struct {
	Module string
	Name   string
}

func (e *UnexpectedImportKindError) Error() string {
	return fmt.Sprintf("unexpected type of import %q.%q; expected a function", e.Module, e.Name)
}

// ArityMismatchError means a catalog entry declares a different arity
// than the function type found in the module.
type ArityMismatchError struct {
	// Module is empty for exported functions.
	Module   string
	Name     string
	Expected int
	Actual   int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("unexpected arity for function %s: expected %d, got %d",
		describeFunction(e.Module, e.Name), e.Expected, e.Actual)
}

// UnexpectedTypeError means a marked argument or return position does
// not hold the integer surrogate type.
type UnexpectedTypeError struct {
	// Module is empty for exported functions.
	Module   string
	Name     string
	Location Location
	Actual   types.ValueType
}

func (e *UnexpectedTypeError) Error() string {
	return fmt.Sprintf("%s of function %s has unexpected type; expected i32, got %v",
		e.Location, describeFunction(e.Module, e.Name), e.Actual)
}

// MisplacedGuardError means a guard call was found outside the accepted
// entry positions of a function.
type MisplacedGuardError struct {
	FunctionName string
	// CodeOffset is the bytecode offset of the guard call, if known.
	CodeOffset *uint32
}

func (e *MisplacedGuardError) Error() string {
	return fmt.Sprintf("incorrectly placed externref guard in function %s",
		describeAt(e.FunctionName, e.CodeOffset))
}

// UnexpectedReferenceCallError means an unguarded function contains a
// call producing an externref result that must be stored into a local.
type UnexpectedReferenceCallError struct {
	FunctionName string
	// CodeOffset is the bytecode offset of the call, if known.
	CodeOffset *uint32
}

func (e *UnexpectedReferenceCallError) Error() string {
	return fmt.Sprintf("unexpected call to a function returning externref in unguarded function %s",
		describeAt(e.FunctionName, e.CodeOffset))
}

func describeFunction(moduleName, name string) string {
	if moduleName == "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%q imported from %q", name, moduleName)
}

func describeAt(name string, offset *uint32) string {
	descr := "<unnamed>"
	if name != "" {
		descr = fmt.Sprintf("%q", name)
	}
	if offset != nil {
		descr += fmt.Sprintf(" at offset %d", *offset)
	}
	return descr
}
