package processor

import (
	"github.com/slowli/externref/internal/wasm/module"
)

// ImportModuleName is the reserved pseudo-module under which the guest
// toolchain declares placeholder imports.
const ImportModuleName = "externref"

// Placeholder import names.
const (
	insertName = "insert"
	getName    = "get"
	dropName   = "drop"
	guardName  = "guard"
)

// externrefImports holds pre-removal function indices of the
// placeholder imports. Any placeholder may be absent.
type externrefImports struct {
	insert *uint32
	get    *uint32
	drop   *uint32
	guard  *uint32

	// removed lists the seized function indices in ascending order;
	// oldFuncImports is the function-import count before removal.
	removed        []uint32
	oldFuncImports uint32
}

// takeImports locates the placeholder imports, removes them from the
// module and returns their pre-removal function indices.
func takeImports(m *module.Module) (*externrefImports, error) {
	imports := &externrefImports{}

	kept := m.Import.Imports[:0]
	funcIndex := uint32(0)
	for _, imp := range m.Import.Imports {
		isFunc := imp.Descriptor.Kind() == module.FunctionImportType
		if imp.Module != ImportModuleName {
			if isFunc {
				funcIndex++
			}
			kept = append(kept, imp)
			continue
		}

		var slot **uint32
		switch imp.Name {
		case insertName:
			slot = &imports.insert
		case getName:
			slot = &imports.get
		case dropName:
			slot = &imports.drop
		case guardName:
			slot = &imports.guard
		}
		if slot == nil {
			if isFunc {
				funcIndex++
			}
			kept = append(kept, imp)
			continue
		}
		if !isFunc {
			return nil, &UnexpectedImportKindError{Module: imp.Module, Name: imp.Name}
		}

		idx := funcIndex
		funcIndex++
		*slot = &idx
		imports.removed = append(imports.removed, idx)
	}
	m.Import.Imports = kept
	imports.oldFuncImports = funcIndex
	return imports, nil
}
